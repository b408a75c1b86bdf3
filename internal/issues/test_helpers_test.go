package issues

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()
	databasePath := filepath.Join(t.TempDir(), "issues.db")
	db, err := gorm.Open(sqlite.Open(databasePath+"?_pragma=foreign_keys(1)"), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(AllModels()...))

	service, err := NewService(ServiceConfig{
		Database:   db,
		Clock:      func() time.Time { return time.Unix(1700000000, 0).UTC() },
		IDProvider: NewUUIDProvider(),
		Logger:     zap.NewNop(),
	})
	require.NoError(t, err)
	return service, db
}

func mercurialHashOf(index int) string {
	sum := sha1.Sum([]byte(fmt.Sprintf("hg %d", index)))
	return hex.EncodeToString(sum[:])
}

func int64Pointer(value int64) *int64 {
	return &value
}

// seedStack creates one repository, two revisions and three diffs where
// diffs 1 and 3 belong to revision 1 and diff 2 to revision 2.
func seedStack(t *testing.T, service *Service) {
	t.Helper()
	ctx := context.Background()
	_, err := service.CreateRepository(ctx, RepositoryInput{
		ID:   1,
		PHID: "PHID-REPO-xxx",
		Slug: "myrepo",
		URL:  "http://repo.test/myrepo",
	})
	require.NoError(t, err)

	for index := 0; index < 2; index++ {
		_, err := service.CreateRevision(ctx, RevisionInput{
			ID:           int64(index + 1),
			RepositoryID: 1,
			PHID:         fmt.Sprintf("PHID-DREV-%d", index+1),
			Title:        fmt.Sprintf("Revision %d", index+1),
			BugzillaID:   int64Pointer(int64(10000 + index)),
		})
		require.NoError(t, err)
	}
	for index := 0; index < 3; index++ {
		_, err := service.CreateDiff(ctx, DiffInput{
			ID:            int64(index + 1),
			RevisionID:    int64(index%2 + 1),
			PHID:          fmt.Sprintf("PHID-DIFF-%d", index+1),
			ReviewTaskID:  fmt.Sprintf("task-%d", index),
			MercurialHash: mercurialHashOf(index),
		})
		require.NoError(t, err)
	}
}

func sampleReports(count int) []IssueReport {
	reports := make([]IssueReport, 0, count)
	for index := 0; index < count; index++ {
		reports = append(reports, IssueReport{
			Analyzer: "clang-tidy",
			Path:     fmt.Sprintf("dom/base/file%d.cpp", index),
			Line:     int64Pointer(int64(10 + index)),
			NbLines:  int64Pointer(1),
			Level:    "warning",
			Check:    "modernize-use-nullptr",
			Message:  fmt.Sprintf("use nullptr (%d)", index),
		})
	}
	return reports
}

func requireKind(t *testing.T, err error, kind ErrorKind) *ServiceError {
	t.Helper()
	require.Error(t, err)
	var serviceErr *ServiceError
	require.ErrorAs(t, err, &serviceErr)
	require.Equal(t, kind, serviceErr.Kind(), "unexpected error %v", err)
	return serviceErr
}
