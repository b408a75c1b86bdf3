package issues

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolvePHIDFindsEachEntityKind(t *testing.T) {
	service, _ := newTestService(t)
	seedStack(t, service)
	ctx := context.Background()

	testCases := []struct {
		phid string
		want EntityRef
	}{
		{phid: "PHID-REPO-xxx", want: EntityRef{Kind: EntityRepository, ID: 1}},
		{phid: "PHID-DREV-2", want: EntityRef{Kind: EntityRevision, ID: 2}},
		{phid: "PHID-DIFF-3", want: EntityRef{Kind: EntityDiff, ID: 3}},
	}
	for _, testCase := range testCases {
		ref, err := service.ResolvePHID(ctx, testCase.phid)
		require.NoError(t, err)
		require.Equal(t, testCase.want, ref)
	}

	_, err := service.ResolvePHID(ctx, "PHID-DIFF-404")
	requireKind(t, err, KindNotFound)
	_, err = service.ResolvePHID(ctx, "PHID-USER-1")
	requireKind(t, err, KindNotFound)
	_, err = service.ResolvePHID(ctx, "not-a-phid")
	requireKind(t, err, KindValidation)
}

func TestResolveReviewTask(t *testing.T) {
	service, _ := newTestService(t)
	seedStack(t, service)
	ctx := context.Background()

	diff, err := service.ResolveReviewTask(ctx, "task-2")
	require.NoError(t, err)
	require.Equal(t, int64(3), diff.ID)
	require.Equal(t, int64(1), diff.RevisionID)

	_, err = service.ResolveReviewTask(ctx, "task-unknown")
	requireKind(t, err, KindNotFound)
}

func TestRetireReviewTaskStopsResolution(t *testing.T) {
	service, _ := newTestService(t)
	seedStack(t, service)
	ctx := context.Background()

	retired, err := service.RetireReviewTask(ctx, "task-1")
	require.NoError(t, err)
	require.True(t, retired.ReviewTaskRetired)
	require.Equal(t, int64(2), retired.ID)

	_, err = service.ResolveReviewTask(ctx, "task-1")
	serviceErr := requireKind(t, err, KindNotFound)
	require.Equal(t, "issues.resolve_review_task.review_task_retired", serviceErr.Code())

	again, err := service.RetireReviewTask(ctx, "task-1")
	require.NoError(t, err)
	require.True(t, again.ReviewTaskRetired)

	_, err = service.RetireReviewTask(ctx, "task-missing")
	requireKind(t, err, KindNotFound)
}
