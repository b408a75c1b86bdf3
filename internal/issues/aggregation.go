package issues

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opIngestIssues        = "issues.ingest_issues"
	opCountDiffIssues     = "issues.count_diff_issues"
	opCountRevisionIssues = "issues.count_revision_issues"

	maxAnalyzerLength = 50
	maxPathLength     = 250
	maxCheckLength    = 250
	maxHashLength     = 64

	queryDiffID = "diff_id = ?"
)

var (
	errRequired      = errors.New("value is required")
	errTooLong       = errors.New("value is too long")
	errNegative      = errors.New("value must not be negative")
	errUnknownLevel  = errors.New("level must be warning or error")
	errIDUnavailable = errors.New("issue id unavailable")
)

// IssueReport is one finding as reported by an analysis task.
type IssueReport struct {
	Analyzer string
	Path     string
	Line     *int64
	NbLines  *int64
	Char     *int64
	Level    string
	Check    string
	Message  string
	Hash     string
	InPatch  *bool
}

// IngestResult summarizes a committed ingest batch.
type IngestResult struct {
	DiffID       int64
	RevisionID   int64
	ReviewTaskID string
	Inserted     int
	NbIssues     int64
	IssueIDs     []string
}

// IngestIssues commits a batch of reported issues against the diff owning the task id.
// The batch is all-or-nothing: any insert failure rolls back every row of the call.
// Repeated calls for the same task append; no dedup happens across calls.
func (s *Service) IngestIssues(ctx context.Context, rawTaskID string, reports []IssueReport) (IngestResult, error) {
	if err := s.ready(opIngestIssues); err != nil {
		return IngestResult{}, err
	}
	if s.idProvider == nil {
		return IngestResult{}, s.storageFailure(opIngestIssues, "missing_id_provider", errMissingIDProvider)
	}
	taskID, err := NewReviewTaskID(rawTaskID)
	if err != nil {
		return IngestResult{}, newValidationError(opIngestIssues, "invalid_review_task_id", fieldReviewTaskID, err)
	}

	pending := make([]Issue, 0, len(reports))
	for index, report := range reports {
		issue, err := buildIssue(index, report)
		if err != nil {
			return IngestResult{}, err
		}
		pending = append(pending, issue)
	}

	createdAt := s.now()
	result := IngestResult{ReviewTaskID: taskID.String(), IssueIDs: make([]string, 0, len(pending))}
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		diff, err := s.resolveReviewTask(tx, opIngestIssues, taskID)
		if err != nil {
			return err
		}
		result.DiffID = diff.ID
		result.RevisionID = diff.RevisionID

		for index := range pending {
			issueID, err := s.idProvider.NewID()
			if err != nil || strings.TrimSpace(issueID) == "" {
				if err == nil {
					err = errIDUnavailable
				}
				return s.storageFailure(opIngestIssues, "id_generation_failed", err,
					zap.String(fieldReviewTaskID, taskID.String()))
			}
			issue := pending[index]
			issue.ID = issueID
			issue.DiffID = diff.ID
			issue.CreatedAt = createdAt
			if err := tx.Omit(clause.Associations).Create(&issue).Error; err != nil {
				return s.storageFailure(opIngestIssues, "issue_insert_failed", err,
					zap.String(fieldReviewTaskID, taskID.String()),
					zap.Int64(fieldDiffID, diff.ID),
					zap.Int("index", index))
			}
			result.IssueIDs = append(result.IssueIDs, issueID)
		}

		var count int64
		if err := tx.Model(&Issue{}).Where(queryDiffID, diff.ID).Count(&count).Error; err != nil {
			return s.storageFailure(opIngestIssues, "count_failed", err, zap.Int64(fieldDiffID, diff.ID))
		}
		result.NbIssues = count
		return nil
	})
	if txErr != nil {
		return IngestResult{}, txErr
	}

	result.Inserted = len(result.IssueIDs)
	s.loggerOrDefault().Info("issues ingested",
		zap.String(fieldReviewTaskID, result.ReviewTaskID),
		zap.Int64(fieldDiffID, result.DiffID),
		zap.Int("inserted", result.Inserted),
		zap.Int64("nb_issues", result.NbIssues))
	return result, nil
}

// CountDiffIssues returns the live number of issues attached to a diff.
func (s *Service) CountDiffIssues(ctx context.Context, diffID int64) (int64, error) {
	if _, err := s.GetDiff(ctx, diffID); err != nil {
		return 0, err
	}
	var count int64
	if err := s.db.WithContext(ctx).Model(&Issue{}).Where(queryDiffID, diffID).Count(&count).Error; err != nil {
		return 0, s.storageFailure(opCountDiffIssues, reasonQueryFailed, err, zap.Int64(fieldDiffID, diffID))
	}
	return count, nil
}

// CountRevisionIssues returns the live number of issues on the latest diff of a revision.
// Earlier patch versions are not summed. A revision without diffs counts zero.
func (s *Service) CountRevisionIssues(ctx context.Context, revisionID int64) (int64, error) {
	if _, err := s.GetRevision(ctx, revisionID); err != nil {
		return 0, err
	}
	var latest []int64
	if err := s.db.WithContext(ctx).Model(&Diff{}).
		Where(queryRevisionID, revisionID).
		Order("id DESC").
		Limit(1).
		Pluck("id", &latest).Error; err != nil {
		return 0, s.storageFailure(opCountRevisionIssues, reasonQueryFailed, err, zap.Int64(fieldRevisionID, revisionID))
	}
	if len(latest) == 0 {
		return 0, nil
	}
	counts, err := s.countIssuesByDiff(s.db.WithContext(ctx), latest)
	if err != nil {
		return 0, s.storageFailure(opCountRevisionIssues, reasonQueryFailed, err, zap.Int64(fieldRevisionID, revisionID))
	}
	return counts[latest[0]], nil
}

type diffIssueCount struct {
	DiffID int64 `gorm:"column:diff_id"`
	Total  int64 `gorm:"column:total"`
}

// countIssuesByDiff returns one aggregate per requested diff. Missing keys mean zero.
func (s *Service) countIssuesByDiff(db *gorm.DB, diffIDs []int64) (map[int64]int64, error) {
	counts := make(map[int64]int64, len(diffIDs))
	if len(diffIDs) == 0 {
		return counts, nil
	}
	var rows []diffIssueCount
	if err := db.Model(&Issue{}).
		Select("diff_id, COUNT(*) AS total").
		Where(queryDiffIDIn, diffIDs).
		Group("diff_id").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	for _, row := range rows {
		counts[row.DiffID] = row.Total
	}
	return counts, nil
}

func buildIssue(index int, report IssueReport) (Issue, error) {
	field := func(name string) string {
		return fmt.Sprintf("issues[%d].%s", index, name)
	}
	invalid := func(name string, cause error) error {
		return newValidationError(opIngestIssues, "invalid_issue", field(name), cause)
	}

	analyzer := strings.TrimSpace(report.Analyzer)
	if analyzer == "" {
		return Issue{}, invalid("analyzer", errRequired)
	}
	if len(analyzer) > maxAnalyzerLength {
		return Issue{}, invalid("analyzer", errTooLong)
	}
	path := strings.TrimSpace(report.Path)
	if path == "" {
		return Issue{}, invalid("path", errRequired)
	}
	if len(path) > maxPathLength {
		return Issue{}, invalid("path", errTooLong)
	}
	level := IssueLevel(strings.ToLower(strings.TrimSpace(report.Level)))
	if level != IssueLevelWarning && level != IssueLevelError {
		return Issue{}, invalid("level", errUnknownLevel)
	}
	message := strings.TrimSpace(report.Message)
	if message == "" {
		return Issue{}, invalid("message", errRequired)
	}
	positions := []struct {
		name  string
		value *int64
	}{
		{"line", report.Line},
		{"nb_lines", report.NbLines},
		{"char", report.Char},
	}
	for _, position := range positions {
		if position.value != nil && *position.value < 0 {
			return Issue{}, invalid(position.name, errNegative)
		}
	}
	check := strings.TrimSpace(report.Check)
	if len(check) > maxCheckLength {
		return Issue{}, invalid("check", errTooLong)
	}
	hash := strings.TrimSpace(report.Hash)
	if len(hash) > maxHashLength {
		return Issue{}, invalid("hash", errTooLong)
	}

	issue := Issue{
		Analyzer: analyzer,
		Path:     path,
		Line:     report.Line,
		NbLines:  report.NbLines,
		Char:     report.Char,
		Level:    string(level),
		Message:  message,
		InPatch:  report.InPatch,
	}
	if check != "" {
		issue.Check = &check
	}
	if hash == "" {
		hash = issueContentHash(issue)
	}
	issue.Hash = hash
	return issue, nil
}

// issueContentHash fingerprints the analyzer-defined content of an issue.
func issueContentHash(issue Issue) string {
	line := ""
	if issue.Line != nil {
		line = strconv.FormatInt(*issue.Line, 10)
	}
	check := ""
	if issue.Check != nil {
		check = *issue.Check
	}
	sum := sha256.Sum256([]byte(strings.Join([]string{issue.Analyzer, check, issue.Path, line, issue.Message}, "\x00")))
	return hex.EncodeToString(sum[:])
}
