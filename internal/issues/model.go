package issues

import "time"

// Repository is a tracked source-control project and the root of the ownership chain.
type Repository struct {
	ID        int64     `gorm:"column:id;primaryKey;autoIncrement"`
	PHID      string    `gorm:"column:phid;size:64;not null;uniqueIndex:idx_repositories_phid"`
	Slug      string    `gorm:"column:slug;size:64;not null;uniqueIndex:idx_repositories_slug"`
	URL       string    `gorm:"column:url;size:512;not null"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Repository) TableName() string {
	return "repositories"
}

// Revision is a logical change under review. Its repository never changes.
type Revision struct {
	ID           int64       `gorm:"column:id;primaryKey;autoIncrement"`
	RepositoryID int64       `gorm:"column:repository_id;not null;index:idx_revisions_repository"`
	Repository   *Repository `gorm:"foreignKey:RepositoryID;constraint:OnUpdate:RESTRICT,OnDelete:RESTRICT"`
	PHID         string      `gorm:"column:phid;size:64;not null;uniqueIndex:idx_revisions_phid"`
	Title        string      `gorm:"column:title;size:250;not null;default:''"`
	BugzillaID   *int64      `gorm:"column:bugzilla_id"`
	CreatedAt    time.Time   `gorm:"column:created_at;autoCreateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Revision) TableName() string {
	return "revisions"
}

// Diff is one concrete patch version of a Revision, tied to one analysis task.
type Diff struct {
	ID                int64     `gorm:"column:id;primaryKey;autoIncrement"`
	RevisionID        int64     `gorm:"column:revision_id;not null;index:idx_diffs_revision"`
	Revision          *Revision `gorm:"foreignKey:RevisionID;constraint:OnUpdate:RESTRICT,OnDelete:RESTRICT"`
	PHID              string    `gorm:"column:phid;size:64;not null;uniqueIndex:idx_diffs_phid"`
	ReviewTaskID      string    `gorm:"column:review_task_id;size:64;not null;uniqueIndex:idx_diffs_review_task"`
	ReviewTaskRetired bool      `gorm:"column:review_task_retired;not null;default:false"`
	MercurialHash     *string   `gorm:"column:mercurial_hash;size:40"`
	CreatedAt         time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Diff) TableName() string {
	return "diffs"
}

// Issue is one append-only finding reported by an analysis task against a Diff.
type Issue struct {
	ID        string    `gorm:"column:id;primaryKey;size:36"`
	DiffID    int64     `gorm:"column:diff_id;not null;index:idx_issues_diff"`
	Diff      *Diff     `gorm:"foreignKey:DiffID;constraint:OnUpdate:RESTRICT,OnDelete:RESTRICT"`
	Hash      string    `gorm:"column:hash;size:64;not null;index:idx_issues_hash"`
	Analyzer  string    `gorm:"column:analyzer;size:50;not null"`
	Path      string    `gorm:"column:path;size:250;not null"`
	Line      *int64    `gorm:"column:line"`
	NbLines   *int64    `gorm:"column:nb_lines"`
	Char      *int64    `gorm:"column:char_position"`
	Level     string    `gorm:"column:level;size:20;not null"`
	Check     *string   `gorm:"column:check_name;size:250"`
	Message   string    `gorm:"column:message;type:text;not null"`
	InPatch   *bool     `gorm:"column:in_patch"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Issue) TableName() string {
	return "issues"
}

// IssueLevel enumerates supported issue severities.
type IssueLevel string

const (
	// IssueLevelWarning is a non blocking finding.
	IssueLevelWarning IssueLevel = "warning"
	// IssueLevelError is a blocking finding.
	IssueLevelError IssueLevel = "error"
)

// AllModels lists every persisted model in dependency order for schema migration.
func AllModels() []any {
	return []any{&Repository{}, &Revision{}, &Diff{}, &Issue{}}
}
