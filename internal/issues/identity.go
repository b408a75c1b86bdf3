package issues

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opResolvePHID       = "issues.resolve_phid"
	opResolveReviewTask = "issues.resolve_review_task"
	opRetireReviewTask  = "issues.retire_review_task"

	queryReviewTaskID = "review_task_id = ?"
)

var errReviewTaskRetired = errors.New("review task retired")

// EntityKind names the entity a PHID resolved to.
type EntityKind string

const (
	// EntityRepository is a Repository row.
	EntityRepository EntityKind = "repository"
	// EntityRevision is a Revision row.
	EntityRevision EntityKind = "revision"
	// EntityDiff is a Diff row.
	EntityDiff EntityKind = "diff"
)

// EntityRef points at the row owning a PHID.
type EntityRef struct {
	Kind EntityKind
	ID   int64
}

// ResolvePHID finds the entity owning the given PHID. The kind segment selects the table.
func (s *Service) ResolvePHID(ctx context.Context, rawPHID string) (EntityRef, error) {
	if err := s.ready(opResolvePHID); err != nil {
		return EntityRef{}, err
	}
	phid, err := NewPHID(rawPHID)
	if err != nil {
		return EntityRef{}, newValidationError(opResolvePHID, "invalid_phid", fieldPHID, err)
	}

	var (
		model any
		kind  EntityKind
	)
	switch phid.Kind() {
	case PHIDKindRepository:
		model, kind = &Repository{}, EntityRepository
	case PHIDKindRevision:
		model, kind = &Revision{}, EntityRevision
	case PHIDKindDiff:
		model, kind = &Diff{}, EntityDiff
	default:
		return EntityRef{}, newNotFoundError(opResolvePHID, "unknown_kind", fmt.Errorf("kind %s", phid.Kind()))
	}

	var ids []int64
	if err := s.db.WithContext(ctx).Model(model).Where(queryPHID, phid.String()).Limit(1).Pluck("id", &ids).Error; err != nil {
		return EntityRef{}, s.storageFailure(opResolvePHID, reasonQueryFailed, err, zap.String(fieldPHID, phid.String()))
	}
	if len(ids) == 0 {
		return EntityRef{}, newNotFoundError(opResolvePHID, "phid_not_found", fmt.Errorf("phid %s", phid))
	}
	return EntityRef{Kind: kind, ID: ids[0]}, nil
}

// ResolveReviewTask returns the diff whose live review task id matches.
// Unknown and retired task ids both fail with a not found error.
func (s *Service) ResolveReviewTask(ctx context.Context, rawTaskID string) (Diff, error) {
	if err := s.ready(opResolveReviewTask); err != nil {
		return Diff{}, err
	}
	taskID, err := NewReviewTaskID(rawTaskID)
	if err != nil {
		return Diff{}, newValidationError(opResolveReviewTask, "invalid_review_task_id", fieldReviewTaskID, err)
	}
	return s.resolveReviewTask(s.db.WithContext(ctx), opResolveReviewTask, taskID)
}

func (s *Service) resolveReviewTask(db *gorm.DB, operation string, taskID ReviewTaskID) (Diff, error) {
	var diff Diff
	err := db.Where(queryReviewTaskID, taskID.String()).Take(&diff).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Diff{}, newNotFoundError(operation, "review_task_not_found", fmt.Errorf("review task %s", taskID))
	}
	if err != nil {
		return Diff{}, s.storageFailure(operation, reasonQueryFailed, err, zap.String(fieldReviewTaskID, taskID.String()))
	}
	if diff.ReviewTaskRetired {
		return Diff{}, newNotFoundError(operation, "review_task_retired", fmt.Errorf("%w: %s", errReviewTaskRetired, taskID))
	}
	return diff, nil
}

// RetireReviewTask stops a task id from resolving for ingest. The id stays reserved.
// Retiring an already retired task is a no-op.
func (s *Service) RetireReviewTask(ctx context.Context, rawTaskID string) (Diff, error) {
	if err := s.ready(opRetireReviewTask); err != nil {
		return Diff{}, err
	}
	taskID, err := NewReviewTaskID(rawTaskID)
	if err != nil {
		return Diff{}, newValidationError(opRetireReviewTask, "invalid_review_task_id", fieldReviewTaskID, err)
	}

	var diff Diff
	err = s.db.WithContext(ctx).Where(queryReviewTaskID, taskID.String()).Take(&diff).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Diff{}, newNotFoundError(opRetireReviewTask, "review_task_not_found", fmt.Errorf("review task %s", taskID))
	}
	if err != nil {
		return Diff{}, s.storageFailure(opRetireReviewTask, reasonQueryFailed, err, zap.String(fieldReviewTaskID, taskID.String()))
	}
	if diff.ReviewTaskRetired {
		return diff, nil
	}
	if err := s.db.WithContext(ctx).Model(&Diff{}).
		Where(queryID, diff.ID).
		Update("review_task_retired", true).Error; err != nil {
		return Diff{}, s.storageFailure(opRetireReviewTask, "update_failed", err, zap.Int64(fieldDiffID, diff.ID))
	}
	diff.ReviewTaskRetired = true
	s.loggerOrDefault().Info("review task retired",
		zap.Int64(fieldDiffID, diff.ID),
		zap.String(fieldReviewTaskID, taskID.String()))
	return diff, nil
}
