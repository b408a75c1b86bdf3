package issues

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

func TestIngestIssuesUpdatesLiveCounts(t *testing.T) {
	service, _ := newTestService(t)
	seedStack(t, service)
	ctx := context.Background()

	for diffID := int64(1); diffID <= 3; diffID++ {
		count, err := service.CountDiffIssues(ctx, diffID)
		require.NoError(t, err)
		require.Zero(t, count)
	}

	result, err := service.IngestIssues(ctx, "task-0", sampleReports(5))
	require.NoError(t, err)
	require.Equal(t, int64(1), result.DiffID)
	require.Equal(t, int64(1), result.RevisionID)
	require.Equal(t, 5, result.Inserted)
	require.Equal(t, int64(5), result.NbIssues)
	require.Len(t, result.IssueIDs, 5)

	expected := map[int64]int64{1: 5, 2: 0, 3: 0}
	for diffID, want := range expected {
		count, err := service.CountDiffIssues(ctx, diffID)
		require.NoError(t, err)
		require.Equal(t, want, count, "diff %d", diffID)
	}
}

func TestIngestIssuesIsAdditiveAcrossCalls(t *testing.T) {
	service, _ := newTestService(t)
	seedStack(t, service)
	ctx := context.Background()

	_, err := service.IngestIssues(ctx, "task-1", sampleReports(2))
	require.NoError(t, err)
	result, err := service.IngestIssues(ctx, "task-1", sampleReports(2))
	require.NoError(t, err)
	require.Equal(t, int64(4), result.NbIssues)

	page, err := service.ListDiffIssues(ctx, 2, PageRequest{Page: 1, PageSize: 10})
	require.NoError(t, err)
	require.Equal(t, int64(4), page.Total)
	require.Equal(t, page.Issues[0].Hash, page.Issues[2].Hash)
	require.NotEqual(t, page.Issues[0].ID, page.Issues[2].ID)
}

func TestIngestIssuesRollsBackWholeBatchOnInsertFailure(t *testing.T) {
	service, db := newTestService(t)
	seedStack(t, service)
	ctx := context.Background()

	const batchSize = 5
	attempts := 0
	err := db.Callback().Create().Before("gorm:create").Register("test:fail_last_issue", func(tx *gorm.DB) {
		if tx.Statement.Table != "issues" {
			return
		}
		attempts++
		if attempts == batchSize {
			_ = tx.AddError(errors.New("simulated insert failure"))
		}
	})
	require.NoError(t, err)

	_, err = service.IngestIssues(ctx, "task-0", sampleReports(batchSize))
	serviceErr := requireKind(t, err, KindStorage)
	require.Equal(t, "issues.ingest_issues.issue_insert_failed", serviceErr.Code())
	require.Equal(t, batchSize, attempts)

	var visible int64
	require.NoError(t, db.Model(&Issue{}).Count(&visible).Error)
	require.Zero(t, visible)

	count, err := service.CountDiffIssues(ctx, 1)
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestIngestIssuesRejectsUnknownAndRetiredTasks(t *testing.T) {
	service, _ := newTestService(t)
	seedStack(t, service)
	ctx := context.Background()

	_, err := service.IngestIssues(ctx, "task-404", sampleReports(1))
	requireKind(t, err, KindNotFound)

	_, err = service.RetireReviewTask(ctx, "task-2")
	require.NoError(t, err)
	_, err = service.IngestIssues(ctx, "task-2", sampleReports(1))
	requireKind(t, err, KindNotFound)

	count, err := service.CountDiffIssues(ctx, 3)
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestIngestIssuesValidatesEveryReportBeforeWriting(t *testing.T) {
	service, _ := newTestService(t)
	seedStack(t, service)
	ctx := context.Background()

	reports := sampleReports(3)
	reports[1].Level = "critical"
	_, err := service.IngestIssues(ctx, "task-0", reports)
	serviceErr := requireKind(t, err, KindValidation)
	require.Equal(t, "issues[1].level", serviceErr.Field())

	reports = sampleReports(2)
	reports[0].Line = int64Pointer(-1)
	_, err = service.IngestIssues(ctx, "task-0", reports)
	serviceErr = requireKind(t, err, KindValidation)
	require.Equal(t, "issues[0].line", serviceErr.Field())

	reports = sampleReports(1)
	reports[0].Message = "  "
	_, err = service.IngestIssues(ctx, "task-0", reports)
	serviceErr = requireKind(t, err, KindValidation)
	require.Equal(t, "issues[0].message", serviceErr.Field())

	count, err := service.CountDiffIssues(ctx, 1)
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestIngestIssuesAcceptsEmptyBatch(t *testing.T) {
	service, _ := newTestService(t)
	seedStack(t, service)

	result, err := service.IngestIssues(context.Background(), "task-0", nil)
	require.NoError(t, err)
	require.Zero(t, result.Inserted)
	require.Zero(t, result.NbIssues)
	require.Equal(t, int64(1), result.DiffID)
}

func TestIngestIssuesComputesContentHashWhenMissing(t *testing.T) {
	service, _ := newTestService(t)
	seedStack(t, service)
	ctx := context.Background()

	reports := sampleReports(2)
	reports[1].Hash = "provided-hash"
	_, err := service.IngestIssues(ctx, "task-0", reports)
	require.NoError(t, err)

	page, err := service.ListDiffIssues(ctx, 1, PageRequest{Page: 1, PageSize: 10})
	require.NoError(t, err)
	require.Len(t, page.Issues, 2)
	require.Len(t, page.Issues[0].Hash, 64)
	require.Equal(t, "provided-hash", page.Issues[1].Hash)
	require.Equal(t, "warning", page.Issues[0].Level)
	require.NotNil(t, page.Issues[0].Check)
	require.Equal(t, "modernize-use-nullptr", *page.Issues[0].Check)
}

func TestIngestIssuesRunsConcurrentlyForDifferentDiffs(t *testing.T) {
	service, _ := newTestService(t)
	seedStack(t, service)
	ctx := context.Background()

	group, groupCtx := errgroup.WithContext(ctx)
	for index := 0; index < 3; index++ {
		taskID := fmt.Sprintf("task-%d", index)
		batch := index + 1
		for round := 0; round < 4; round++ {
			group.Go(func() error {
				_, err := service.IngestIssues(groupCtx, taskID, sampleReports(batch))
				return err
			})
		}
	}
	require.NoError(t, group.Wait())

	for index := 0; index < 3; index++ {
		count, err := service.CountDiffIssues(ctx, int64(index+1))
		require.NoError(t, err)
		require.Equal(t, int64(4*(index+1)), count)
	}
}

func TestCountRevisionIssuesUsesLatestDiffOnly(t *testing.T) {
	service, _ := newTestService(t)
	seedStack(t, service)
	ctx := context.Background()

	_, err := service.IngestIssues(ctx, "task-0", sampleReports(5))
	require.NoError(t, err)
	_, err = service.IngestIssues(ctx, "task-2", sampleReports(2))
	require.NoError(t, err)

	count, err := service.CountRevisionIssues(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, int64(2), count)

	count, err = service.CountRevisionIssues(ctx, 2)
	require.NoError(t, err)
	require.Zero(t, count)

	_, err = service.CreateRevision(ctx, RevisionInput{ID: 3, RepositoryID: 1, PHID: "PHID-DREV-3", Title: "Empty"})
	require.NoError(t, err)
	count, err = service.CountRevisionIssues(ctx, 3)
	require.NoError(t, err)
	require.Zero(t, count)
}

type failingIDProvider struct {
	mu        sync.Mutex
	remaining int
}

func (p *failingIDProvider) NewID() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remaining == 0 {
		return "", errors.New("exhausted ids")
	}
	p.remaining--
	return fmt.Sprintf("00000000-0000-7000-8000-%012d", p.remaining), nil
}

func TestIngestIssuesRollsBackWhenIDGenerationFails(t *testing.T) {
	service, db := newTestService(t)
	seedStack(t, service)
	service.idProvider = &failingIDProvider{remaining: 2}

	_, err := service.IngestIssues(context.Background(), "task-0", sampleReports(3))
	serviceErr := requireKind(t, err, KindStorage)
	require.Equal(t, "issues.ingest_issues.id_generation_failed", serviceErr.Code())

	var visible int64
	require.NoError(t, db.Model(&Issue{}).Count(&visible).Error)
	require.Zero(t, visible)
}
