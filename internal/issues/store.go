package issues

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opCreateRepository = "issues.create_repository"
	opCreateRevision   = "issues.create_revision"
	opCreateDiff       = "issues.create_diff"
	opGetRepository    = "issues.get_repository"
	opGetRevision      = "issues.get_revision"
	opGetDiff          = "issues.get_diff"
	opListRepositories = "issues.list_repositories"
	opListRevisions    = "issues.list_revisions"
	opListRevisionDiff = "issues.list_revision_diffs"
	opDeleteRevision   = "issues.delete_revision"

	queryID           = "id = ?"
	queryPHID         = "phid = ?"
	querySlug         = "slug = ?"
	queryRepositoryID = "repository_id = ?"
	queryRevisionID   = "revision_id = ?"
	queryDiffIDIn     = "diff_id IN ?"
	orderIDAsc        = "id ASC"
)

var (
	errInvalidURL        = errors.New("url must be absolute with scheme and host")
	errNegativeID        = errors.New("id must not be negative")
	errNonPositiveID     = errors.New("id must be positive")
	errTitleTooLong      = errors.New("title exceeds 250 characters")
	errNegativeBugzilla  = errors.New("bugzilla id must be positive")
	errUnknownRepository = errors.New("repository does not exist")
	errUnknownRevision   = errors.New("revision does not exist")
	errRevisionHasDiffs  = errors.New("revision owns diffs")
)

// RepositoryInput describes a repository to create. A zero ID lets the store assign one.
type RepositoryInput struct {
	ID   int64
	PHID string
	Slug string
	URL  string
}

// RevisionInput describes a revision to create under an existing repository.
type RevisionInput struct {
	ID           int64
	RepositoryID int64
	PHID         string
	Title        string
	BugzillaID   *int64
}

// DiffInput describes a new patch version of an existing revision.
type DiffInput struct {
	ID            int64
	RevisionID    int64
	PHID          string
	ReviewTaskID  string
	MercurialHash string
}

// CreateRepository persists a repository, rejecting duplicate phids, slugs and ids.
func (s *Service) CreateRepository(ctx context.Context, input RepositoryInput) (Repository, error) {
	if err := s.ready(opCreateRepository); err != nil {
		return Repository{}, err
	}
	if input.ID < 0 {
		return Repository{}, newValidationError(opCreateRepository, "invalid_id", "id", errNegativeID)
	}
	phid, err := NewPHIDOfKind(input.PHID, PHIDKindRepository)
	if err != nil {
		return Repository{}, newValidationError(opCreateRepository, "invalid_phid", fieldPHID, err)
	}
	slug, err := NewRepositorySlug(input.Slug)
	if err != nil {
		return Repository{}, newValidationError(opCreateRepository, "invalid_slug", "slug", err)
	}
	repositoryURL, err := normalizeURL(input.URL)
	if err != nil {
		return Repository{}, newValidationError(opCreateRepository, "invalid_url", "url", err)
	}

	model := Repository{
		ID:        input.ID,
		PHID:      phid.String(),
		Slug:      slug.String(),
		URL:       repositoryURL,
		CreatedAt: s.now(),
	}
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.rejectDuplicate(tx, opCreateRepository, "duplicate_phid", &Repository{}, queryPHID, model.PHID); err != nil {
			return err
		}
		if err := s.rejectDuplicate(tx, opCreateRepository, "duplicate_slug", &Repository{}, querySlug, model.Slug); err != nil {
			return err
		}
		if model.ID != 0 {
			if err := s.rejectDuplicate(tx, opCreateRepository, "duplicate_id", &Repository{}, queryID, model.ID); err != nil {
				return err
			}
		}
		if err := s.insert(tx, opCreateRepository, &model, zap.String(fieldPHID, model.PHID)); err != nil {
			return err
		}
		if input.ID != 0 {
			return s.advanceIDSequence(tx, opCreateRepository, model.TableName())
		}
		return nil
	})
	if txErr != nil {
		return Repository{}, txErr
	}
	s.loggerOrDefault().Info("repository created",
		zap.Int64(fieldRepositoryID, model.ID),
		zap.String("slug", model.Slug))
	return model, nil
}

// CreateRevision persists a revision owned by an existing repository.
func (s *Service) CreateRevision(ctx context.Context, input RevisionInput) (Revision, error) {
	if err := s.ready(opCreateRevision); err != nil {
		return Revision{}, err
	}
	if input.ID < 0 {
		return Revision{}, newValidationError(opCreateRevision, "invalid_id", "id", errNegativeID)
	}
	if input.RepositoryID <= 0 {
		return Revision{}, newValidationError(opCreateRevision, "invalid_repository_id", fieldRepositoryID, errNonPositiveID)
	}
	phid, err := NewPHIDOfKind(input.PHID, PHIDKindRevision)
	if err != nil {
		return Revision{}, newValidationError(opCreateRevision, "invalid_phid", fieldPHID, err)
	}
	title := strings.TrimSpace(input.Title)
	if len(title) > 250 {
		return Revision{}, newValidationError(opCreateRevision, "invalid_title", "title", errTitleTooLong)
	}
	if input.BugzillaID != nil && *input.BugzillaID <= 0 {
		return Revision{}, newValidationError(opCreateRevision, "invalid_bugzilla_id", "bugzilla_id", errNegativeBugzilla)
	}

	model := Revision{
		ID:           input.ID,
		RepositoryID: input.RepositoryID,
		PHID:         phid.String(),
		Title:        title,
		BugzillaID:   input.BugzillaID,
		CreatedAt:    s.now(),
	}
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		found, err := s.exists(tx, opCreateRevision, &Repository{}, queryID, model.RepositoryID)
		if err != nil {
			return err
		}
		if !found {
			return newValidationError(opCreateRevision, "unknown_repository", fieldRepositoryID,
				fmt.Errorf("%w: %d", errUnknownRepository, model.RepositoryID))
		}
		if err := s.rejectDuplicate(tx, opCreateRevision, "duplicate_phid", &Revision{}, queryPHID, model.PHID); err != nil {
			return err
		}
		if model.ID != 0 {
			if err := s.rejectDuplicate(tx, opCreateRevision, "duplicate_id", &Revision{}, queryID, model.ID); err != nil {
				return err
			}
		}
		if err := s.insert(tx, opCreateRevision, &model, zap.String(fieldPHID, model.PHID)); err != nil {
			return err
		}
		if input.ID != 0 {
			return s.advanceIDSequence(tx, opCreateRevision, model.TableName())
		}
		return nil
	})
	if txErr != nil {
		return Revision{}, txErr
	}
	s.loggerOrDefault().Info("revision created",
		zap.Int64(fieldRevisionID, model.ID),
		zap.Int64(fieldRepositoryID, model.RepositoryID))
	return model, nil
}

// CreateDiff persists a new patch version paired with a fresh review task id.
func (s *Service) CreateDiff(ctx context.Context, input DiffInput) (Diff, error) {
	if err := s.ready(opCreateDiff); err != nil {
		return Diff{}, err
	}
	if input.ID < 0 {
		return Diff{}, newValidationError(opCreateDiff, "invalid_id", "id", errNegativeID)
	}
	if input.RevisionID <= 0 {
		return Diff{}, newValidationError(opCreateDiff, "invalid_revision_id", fieldRevisionID, errNonPositiveID)
	}
	phid, err := NewPHIDOfKind(input.PHID, PHIDKindDiff)
	if err != nil {
		return Diff{}, newValidationError(opCreateDiff, "invalid_phid", fieldPHID, err)
	}
	taskID, err := NewReviewTaskID(input.ReviewTaskID)
	if err != nil {
		return Diff{}, newValidationError(opCreateDiff, "invalid_review_task_id", fieldReviewTaskID, err)
	}
	hash, err := NewMercurialHash(input.MercurialHash)
	if err != nil {
		return Diff{}, newValidationError(opCreateDiff, "invalid_mercurial_hash", "mercurial_hash", err)
	}

	model := Diff{
		ID:           input.ID,
		RevisionID:   input.RevisionID,
		PHID:         phid.String(),
		ReviewTaskID: taskID.String(),
		CreatedAt:    s.now(),
	}
	if hash != "" {
		value := hash.String()
		model.MercurialHash = &value
	}
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		found, err := s.exists(tx, opCreateDiff, &Revision{}, queryID, model.RevisionID)
		if err != nil {
			return err
		}
		if !found {
			return newValidationError(opCreateDiff, "unknown_revision", fieldRevisionID,
				fmt.Errorf("%w: %d", errUnknownRevision, model.RevisionID))
		}
		if err := s.rejectDuplicate(tx, opCreateDiff, "duplicate_phid", &Diff{}, queryPHID, model.PHID); err != nil {
			return err
		}
		if err := s.rejectDuplicate(tx, opCreateDiff, "duplicate_review_task_id", &Diff{}, queryReviewTaskID, model.ReviewTaskID); err != nil {
			return err
		}
		if model.ID != 0 {
			if err := s.rejectDuplicate(tx, opCreateDiff, "duplicate_id", &Diff{}, queryID, model.ID); err != nil {
				return err
			}
		}
		if err := s.insert(tx, opCreateDiff, &model,
			zap.String(fieldPHID, model.PHID),
			zap.String(fieldReviewTaskID, model.ReviewTaskID)); err != nil {
			return err
		}
		if input.ID != 0 {
			return s.advanceIDSequence(tx, opCreateDiff, model.TableName())
		}
		return nil
	})
	if txErr != nil {
		return Diff{}, txErr
	}
	s.loggerOrDefault().Info("diff created",
		zap.Int64(fieldDiffID, model.ID),
		zap.Int64(fieldRevisionID, model.RevisionID),
		zap.String(fieldReviewTaskID, model.ReviewTaskID))
	return model, nil
}

// GetRepository loads a repository by id.
func (s *Service) GetRepository(ctx context.Context, id int64) (Repository, error) {
	var model Repository
	if err := s.take(ctx, opGetRepository, &model, id); err != nil {
		return Repository{}, err
	}
	return model, nil
}

// GetRevision loads a revision by id.
func (s *Service) GetRevision(ctx context.Context, id int64) (Revision, error) {
	var model Revision
	if err := s.take(ctx, opGetRevision, &model, id); err != nil {
		return Revision{}, err
	}
	return model, nil
}

// GetDiff loads a diff by id.
func (s *Service) GetDiff(ctx context.Context, id int64) (Diff, error) {
	var model Diff
	if err := s.take(ctx, opGetDiff, &model, id); err != nil {
		return Diff{}, err
	}
	return model, nil
}

// ListRepositories returns every repository ordered by id.
func (s *Service) ListRepositories(ctx context.Context) ([]Repository, error) {
	if err := s.ready(opListRepositories); err != nil {
		return nil, err
	}
	var repositories []Repository
	if err := s.db.WithContext(ctx).Order(orderIDAsc).Find(&repositories).Error; err != nil {
		return nil, s.storageFailure(opListRepositories, reasonQueryFailed, err)
	}
	return repositories, nil
}

// ListRevisions returns the revisions of a repository ordered by ascending id.
func (s *Service) ListRevisions(ctx context.Context, repositoryID int64) ([]Revision, error) {
	if _, err := s.GetRepository(ctx, repositoryID); err != nil {
		return nil, err
	}
	var revisions []Revision
	if err := s.db.WithContext(ctx).
		Where(queryRepositoryID, repositoryID).
		Order(orderIDAsc).
		Find(&revisions).Error; err != nil {
		return nil, s.storageFailure(opListRevisions, reasonQueryFailed, err, zap.Int64(fieldRepositoryID, repositoryID))
	}
	return revisions, nil
}

// ListRevisionDiffs returns the diffs of a revision ordered by ascending id.
// The last element is the current patch version.
func (s *Service) ListRevisionDiffs(ctx context.Context, revisionID int64) ([]Diff, error) {
	if _, err := s.GetRevision(ctx, revisionID); err != nil {
		return nil, err
	}
	var diffs []Diff
	if err := s.db.WithContext(ctx).
		Where(queryRevisionID, revisionID).
		Order(orderIDAsc).
		Find(&diffs).Error; err != nil {
		return nil, s.storageFailure(opListRevisionDiff, reasonQueryFailed, err, zap.Int64(fieldRevisionID, revisionID))
	}
	return diffs, nil
}

// DeleteRevision removes a revision. Revisions owning diffs are rejected with a
// conflict unless force is set, in which case their diffs and issues go too.
func (s *Service) DeleteRevision(ctx context.Context, revisionID int64, force bool) error {
	if err := s.ready(opDeleteRevision); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var revision Revision
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where(queryID, revisionID).Take(&revision).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return newNotFoundError(opDeleteRevision, "revision_not_found", err)
			}
			return s.storageFailure(opDeleteRevision, reasonQueryFailed, err, zap.Int64(fieldRevisionID, revisionID))
		}

		var diffIDs []int64
		if err := tx.Model(&Diff{}).Where(queryRevisionID, revisionID).Pluck("id", &diffIDs).Error; err != nil {
			return s.storageFailure(opDeleteRevision, reasonQueryFailed, err, zap.Int64(fieldRevisionID, revisionID))
		}
		if len(diffIDs) > 0 && !force {
			return newConflictError(opDeleteRevision, "revision_has_diffs",
				fmt.Errorf("%w: %d diffs", errRevisionHasDiffs, len(diffIDs)))
		}
		if len(diffIDs) > 0 {
			if err := tx.Where(queryDiffIDIn, diffIDs).Delete(&Issue{}).Error; err != nil {
				return s.storageFailure(opDeleteRevision, "issue_delete_failed", err, zap.Int64(fieldRevisionID, revisionID))
			}
			if err := tx.Where(queryRevisionID, revisionID).Delete(&Diff{}).Error; err != nil {
				return s.storageFailure(opDeleteRevision, "diff_delete_failed", err, zap.Int64(fieldRevisionID, revisionID))
			}
		}
		if err := tx.Delete(&Revision{}, revisionID).Error; err != nil {
			return s.storageFailure(opDeleteRevision, "revision_delete_failed", err, zap.Int64(fieldRevisionID, revisionID))
		}
		s.loggerOrDefault().Warn("revision deleted",
			zap.Int64(fieldRevisionID, revisionID),
			zap.Int("diffs", len(diffIDs)),
			zap.Bool("forced", force))
		return nil
	})
}

func (s *Service) take(ctx context.Context, operation string, model any, id int64) error {
	if err := s.ready(operation); err != nil {
		return err
	}
	if id <= 0 {
		return newValidationError(operation, "invalid_id", "id", errNonPositiveID)
	}
	err := s.db.WithContext(ctx).Where(queryID, id).Take(model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return newNotFoundError(operation, "not_found", fmt.Errorf("id %d", id))
	}
	if err != nil {
		return s.storageFailure(operation, reasonQueryFailed, err, zap.Int64("id", id))
	}
	return nil
}

func (s *Service) exists(tx *gorm.DB, operation string, model any, query string, args ...any) (bool, error) {
	var count int64
	if err := tx.Model(model).Where(query, args...).Limit(1).Count(&count).Error; err != nil {
		return false, s.storageFailure(operation, reasonQueryFailed, err)
	}
	return count > 0, nil
}

func (s *Service) rejectDuplicate(tx *gorm.DB, operation, reason string, model any, query string, value any) error {
	found, err := s.exists(tx, operation, model, query, value)
	if err != nil {
		return err
	}
	if found {
		return newConflictError(operation, reason, fmt.Errorf("%v already exists", value))
	}
	return nil
}

// insert creates a row without touching associations. Unique index violations that
// slip past the pre-checks under concurrency still surface as conflicts.
func (s *Service) insert(tx *gorm.DB, operation string, model any, fields ...zap.Field) error {
	err := tx.Omit(clause.Associations).Create(model).Error
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return newConflictError(operation, "duplicate_key", err)
	case errors.Is(err, gorm.ErrForeignKeyViolated):
		return newValidationError(operation, "foreign_key_violated", "", err)
	default:
		return s.storageFailure(operation, "insert_failed", err, fields...)
	}
}

// advanceIDSequence moves a PostgreSQL serial sequence past an explicitly supplied id.
// SQLite keeps rowids ahead of explicit ids on its own.
func (s *Service) advanceIDSequence(tx *gorm.DB, operation, table string) error {
	if tx.Dialector.Name() != dialectPostgres {
		return nil
	}
	if err := tx.Exec(sequenceResetSQL(table)).Error; err != nil {
		return s.storageFailure(operation, "sequence_advance_failed", err, zap.String("table", table))
	}
	return nil
}

// sequenceResetSQL is only called with model table names.
func sequenceResetSQL(table string) string {
	return fmt.Sprintf("SELECT setval(pg_get_serial_sequence('%s', 'id'), (SELECT MAX(id) FROM %s))", table, table)
}

func normalizeURL(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return "", fmt.Errorf("%w: %v", errInvalidURL, err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", errInvalidURL
	}
	return trimmed, nil
}
