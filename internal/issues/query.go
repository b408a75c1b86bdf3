package issues

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opParseDiffFilter     = "issues.parse_diff_filter"
	opListDiffs           = "issues.list_diffs"
	opGetDiffSummary      = "issues.get_diff_summary"
	opListDiffIssues      = "issues.list_diff_issues"
	opListRevisionSummary = "issues.list_revision_summaries"

	orderingIDAsc  = "id"
	orderingIDDesc = "-id"

	diffSummaryColumns = "diffs.id AS id, diffs.phid AS phid, diffs.review_task_id AS review_task_id, " +
		"diffs.mercurial_hash AS mercurial_hash, " +
		"revisions.id AS revision_id, revisions.phid AS revision_phid, revisions.title AS revision_title, " +
		"revisions.bugzilla_id AS revision_bugzilla_id, " +
		"repositories.id AS repository_id, repositories.slug AS repository_slug, " +
		"(SELECT COUNT(*) FROM issues WHERE issues.diff_id = diffs.id) AS nb_issues"
	// totalCountColumn counts the whole filtered set in the same statement as the page rows.
	totalCountColumn        = "COUNT(*) OVER () AS total_count"
	joinDiffRevisions       = "JOIN revisions ON revisions.id = diffs.revision_id"
	joinRevisionRepository  = "JOIN repositories ON repositories.id = revisions.repository_id"
	queryDiffsID            = "diffs.id = ?"
	queryDiffsRevisionID    = "diffs.revision_id = ?"
	queryDiffsReviewTaskID  = "diffs.review_task_id = ?"
	queryRepositoriesSlug   = "repositories.slug = ?"
	orderDiffsIDAsc         = "diffs.id ASC"
	orderDiffsIDDesc        = "diffs.id DESC"
	revisionDiffStatsSelect = "revision_id, COUNT(*) AS nb_diffs, MAX(id) AS latest_diff_id"
)

var errUnknownOrdering = errors.New("ordering must be id or -id")

// DiffQuery carries raw, unvalidated filter values as received from a client.
type DiffQuery struct {
	Repository   string
	Revision     string
	ReviewTaskID string
	Ordering     string
}

// DiffFilter narrows a diff listing. Zero values do not filter.
type DiffFilter struct {
	RepositorySlug RepositorySlug
	RevisionID     int64
	ReviewTaskID   ReviewTaskID
	Descending     bool
}

// ParseDiffFilter validates raw filter values.
func ParseDiffFilter(query DiffQuery) (DiffFilter, error) {
	filter := DiffFilter{}
	if raw := strings.TrimSpace(query.Repository); raw != "" {
		slug, err := NewRepositorySlug(raw)
		if err != nil {
			return DiffFilter{}, newValidationError(opParseDiffFilter, "invalid_repository", "repository", err)
		}
		filter.RepositorySlug = slug
	}
	if raw := strings.TrimSpace(query.Revision); raw != "" {
		value, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || value <= 0 {
			return DiffFilter{}, newValidationError(opParseDiffFilter, "invalid_revision", "revision",
				fmt.Errorf("%w: %q", errNonPositiveID, raw))
		}
		filter.RevisionID = value
	}
	if raw := strings.TrimSpace(query.ReviewTaskID); raw != "" {
		taskID, err := NewReviewTaskID(raw)
		if err != nil {
			return DiffFilter{}, newValidationError(opParseDiffFilter, "invalid_review_task_id", fieldReviewTaskID, err)
		}
		filter.ReviewTaskID = taskID
	}
	switch strings.TrimSpace(query.Ordering) {
	case "", orderingIDAsc:
	case orderingIDDesc:
		filter.Descending = true
	default:
		return DiffFilter{}, newValidationError(opParseDiffFilter, "invalid_ordering", "ordering",
			fmt.Errorf("%w: %q", errUnknownOrdering, query.Ordering))
	}
	return filter, nil
}

// RevisionSummary is the owning revision as embedded in a diff listing.
type RevisionSummary struct {
	ID             int64
	PHID           string
	Title          string
	BugzillaID     *int64
	RepositoryID   int64
	RepositorySlug string
}

// DiffSummary is a diff joined with its revision and live issue count.
type DiffSummary struct {
	ID            int64
	PHID          string
	ReviewTaskID  string
	MercurialHash *string
	NbIssues      int64
	Revision      RevisionSummary
}

// DiffPage is one page of diffs and the total across all pages.
type DiffPage struct {
	Total int64
	Diffs []DiffSummary
}

// IssuePage is one page of a diff's issues and the total across all pages.
type IssuePage struct {
	Total  int64
	Issues []Issue
}

// RevisionDetail is a revision with its patch version statistics.
type RevisionDetail struct {
	Revision     Revision
	NbDiffs      int64
	LatestDiffID *int64
	NbIssues     int64
}

type diffSummaryRow struct {
	ID                 int64   `gorm:"column:id"`
	PHID               string  `gorm:"column:phid"`
	ReviewTaskID       string  `gorm:"column:review_task_id"`
	MercurialHash      *string `gorm:"column:mercurial_hash"`
	RevisionID         int64   `gorm:"column:revision_id"`
	RevisionPHID       string  `gorm:"column:revision_phid"`
	RevisionTitle      string  `gorm:"column:revision_title"`
	RevisionBugzillaID *int64  `gorm:"column:revision_bugzilla_id"`
	RepositoryID       int64   `gorm:"column:repository_id"`
	RepositorySlug     string  `gorm:"column:repository_slug"`
	NbIssues           int64   `gorm:"column:nb_issues"`
	TotalCount         int64   `gorm:"column:total_count"`
}

func (row diffSummaryRow) summary() DiffSummary {
	return DiffSummary{
		ID:            row.ID,
		PHID:          row.PHID,
		ReviewTaskID:  row.ReviewTaskID,
		MercurialHash: row.MercurialHash,
		NbIssues:      row.NbIssues,
		Revision: RevisionSummary{
			ID:             row.RevisionID,
			PHID:           row.RevisionPHID,
			Title:          row.RevisionTitle,
			BugzillaID:     row.RevisionBugzillaID,
			RepositoryID:   row.RepositoryID,
			RepositorySlug: row.RepositorySlug,
		},
	}
}

func diffScope(filter DiffFilter) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		scoped := db.Table("diffs").Joins(joinDiffRevisions).Joins(joinRevisionRepository)
		if filter.RepositorySlug != "" {
			scoped = scoped.Where(queryRepositoriesSlug, filter.RepositorySlug.String())
		}
		if filter.RevisionID != 0 {
			scoped = scoped.Where(queryDiffsRevisionID, filter.RevisionID)
		}
		if filter.ReviewTaskID != "" {
			scoped = scoped.Where(queryDiffsReviewTaskID, filter.ReviewTaskID.String())
		}
		return scoped
	}
}

// ListDiffs returns one page of diffs with their embedded revision and live issue counts.
// The page rows and the total are read by one statement, so they always agree.
// No match yields an empty page rather than an error.
func (s *Service) ListDiffs(ctx context.Context, filter DiffFilter, page PageRequest) (DiffPage, error) {
	if err := s.ready(opListDiffs); err != nil {
		return DiffPage{}, err
	}
	if page.Page < 1 || page.PageSize < 1 {
		return DiffPage{}, newValidationError(opListDiffs, "invalid_page", "page", errInvalidPage)
	}

	order := orderDiffsIDAsc
	if filter.Descending {
		order = orderDiffsIDDesc
	}

	var rows []diffSummaryRow
	if err := s.db.WithContext(ctx).
		Scopes(diffScope(filter)).
		Select(diffSummaryColumns + ", " + totalCountColumn).
		Order(order).
		Offset(page.Offset()).
		Limit(page.PageSize).
		Scan(&rows).Error; err != nil {
		return DiffPage{}, s.storageFailure(opListDiffs, reasonQueryFailed, err,
			zap.String("repository", filter.RepositorySlug.String()),
			zap.Int64(fieldRevisionID, filter.RevisionID),
			zap.String(fieldReviewTaskID, filter.ReviewTaskID.String()))
	}

	var total int64
	if len(rows) > 0 {
		total = rows[0].TotalCount
	}
	if err := checkPageInRange(opListDiffs, page, total); err != nil {
		return DiffPage{}, err
	}

	result := DiffPage{Total: total, Diffs: make([]DiffSummary, 0, len(rows))}
	for _, row := range rows {
		result.Diffs = append(result.Diffs, row.summary())
	}
	return result, nil
}

// ListRevisionDiffSummaries lists the diffs of one revision. Unknown revisions are not found.
func (s *Service) ListRevisionDiffSummaries(ctx context.Context, revisionID int64, page PageRequest) (DiffPage, error) {
	if _, err := s.GetRevision(ctx, revisionID); err != nil {
		return DiffPage{}, err
	}
	return s.ListDiffs(ctx, DiffFilter{RevisionID: revisionID}, page)
}

// GetDiffSummary returns a single diff view.
func (s *Service) GetDiffSummary(ctx context.Context, diffID int64) (DiffSummary, error) {
	if err := s.ready(opGetDiffSummary); err != nil {
		return DiffSummary{}, err
	}
	if diffID <= 0 {
		return DiffSummary{}, newValidationError(opGetDiffSummary, "invalid_id", "id", errNonPositiveID)
	}
	var rows []diffSummaryRow
	if err := s.db.WithContext(ctx).
		Scopes(diffScope(DiffFilter{})).
		Select(diffSummaryColumns).
		Where(queryDiffsID, diffID).
		Limit(1).
		Scan(&rows).Error; err != nil {
		return DiffSummary{}, s.storageFailure(opGetDiffSummary, reasonQueryFailed, err, zap.Int64(fieldDiffID, diffID))
	}
	if len(rows) == 0 {
		return DiffSummary{}, newNotFoundError(opGetDiffSummary, "not_found", fmt.Errorf("diff %d", diffID))
	}
	return rows[0].summary(), nil
}

type issueRow struct {
	Issue      `gorm:"embedded"`
	TotalCount int64 `gorm:"column:total_count"`
}

// ListDiffIssues returns one page of a diff's issues in insertion order.
func (s *Service) ListDiffIssues(ctx context.Context, diffID int64, page PageRequest) (IssuePage, error) {
	if _, err := s.GetDiff(ctx, diffID); err != nil {
		return IssuePage{}, err
	}
	if page.Page < 1 || page.PageSize < 1 {
		return IssuePage{}, newValidationError(opListDiffIssues, "invalid_page", "page", errInvalidPage)
	}

	var rows []issueRow
	if err := s.db.WithContext(ctx).
		Table(Issue{}.TableName()).
		Select("issues.*, "+totalCountColumn).
		Where(queryDiffID, diffID).
		Order(orderIDAsc).
		Offset(page.Offset()).
		Limit(page.PageSize).
		Scan(&rows).Error; err != nil {
		return IssuePage{}, s.storageFailure(opListDiffIssues, reasonQueryFailed, err, zap.Int64(fieldDiffID, diffID))
	}

	var total int64
	if len(rows) > 0 {
		total = rows[0].TotalCount
	}
	if err := checkPageInRange(opListDiffIssues, page, total); err != nil {
		return IssuePage{}, err
	}
	issues := make([]Issue, 0, len(rows))
	for _, row := range rows {
		issues = append(issues, row.Issue)
	}
	return IssuePage{Total: total, Issues: issues}, nil
}

type revisionDiffStats struct {
	RevisionID   int64 `gorm:"column:revision_id"`
	NbDiffs      int64 `gorm:"column:nb_diffs"`
	LatestDiffID int64 `gorm:"column:latest_diff_id"`
}

// ListRevisionDetails returns a repository's revisions in ascending id order, each with
// its diff count, latest diff and the live issue count of that latest diff.
func (s *Service) ListRevisionDetails(ctx context.Context, repositoryID int64) ([]RevisionDetail, error) {
	revisions, err := s.ListRevisions(ctx, repositoryID)
	if err != nil {
		return nil, err
	}
	details := make([]RevisionDetail, 0, len(revisions))
	if len(revisions) == 0 {
		return details, nil
	}

	revisionIDs := make([]int64, 0, len(revisions))
	for _, revision := range revisions {
		revisionIDs = append(revisionIDs, revision.ID)
	}
	var stats []revisionDiffStats
	if err := s.db.WithContext(ctx).Model(&Diff{}).
		Select(revisionDiffStatsSelect).
		Where("revision_id IN ?", revisionIDs).
		Group("revision_id").
		Scan(&stats).Error; err != nil {
		return nil, s.storageFailure(opListRevisionSummary, reasonQueryFailed, err, zap.Int64(fieldRepositoryID, repositoryID))
	}
	statsByRevision := make(map[int64]revisionDiffStats, len(stats))
	latestDiffIDs := make([]int64, 0, len(stats))
	for _, stat := range stats {
		statsByRevision[stat.RevisionID] = stat
		latestDiffIDs = append(latestDiffIDs, stat.LatestDiffID)
	}
	counts, err := s.countIssuesByDiff(s.db.WithContext(ctx), latestDiffIDs)
	if err != nil {
		return nil, s.storageFailure(opListRevisionSummary, reasonQueryFailed, err, zap.Int64(fieldRepositoryID, repositoryID))
	}

	for _, revision := range revisions {
		detail := RevisionDetail{Revision: revision}
		if stat, ok := statsByRevision[revision.ID]; ok {
			latest := stat.LatestDiffID
			detail.NbDiffs = stat.NbDiffs
			detail.LatestDiffID = &latest
			detail.NbIssues = counts[latest]
		}
		details = append(details, detail)
	}
	return details, nil
}
