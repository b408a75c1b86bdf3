package server

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/codereview/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/codereview/backend/internal/database"
	"github.com/MarcoPoloResearchLab/codereview/backend/internal/issues"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type testAPI struct {
	handler    http.Handler
	service    *issues.Service
	tokens     *auth.TaskTokenIssuer
	realtime   *RealtimeDispatcher
	botToken   string
	testTarget string
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.Open(filepath.Join(t.TempDir(), "api.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })

	service, err := issues.NewService(issues.ServiceConfig{
		Database:   db,
		IDProvider: issues.NewUUIDProvider(),
		Logger:     zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to build issues service: %v", err)
	}
	tokens, err := auth.NewTaskTokenIssuer(auth.TaskTokenConfig{
		SigningSecret: []byte("test-signing-secret"),
		Issuer:        "codereview-api",
		Audience:      "codereview-tasks",
		TokenTTL:      time.Minute,
	})
	if err != nil {
		t.Fatalf("failed to build token issuer: %v", err)
	}
	botToken, _, err := tokens.IssueTaskToken(context.Background(), "static-analysis-bot")
	if err != nil {
		t.Fatalf("failed to issue task token: %v", err)
	}

	dispatcher := NewRealtimeDispatcher()
	handler, err := NewHTTPHandler(Dependencies{
		IssuesService:     service,
		TaskTokens:        tokens,
		Realtime:          dispatcher,
		Logger:            zap.NewNop(),
		HeartbeatInterval: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}

	return &testAPI{
		handler:    handler,
		service:    service,
		tokens:     tokens,
		realtime:   dispatcher,
		botToken:   botToken,
		testTarget: "http://testserver",
	}
}

func (api *testAPI) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	request := httptest.NewRequest(http.MethodGet, api.testTarget+path, http.NoBody)
	recorder := httptest.NewRecorder()
	api.handler.ServeHTTP(recorder, request)
	return recorder
}

func (api *testAPI) post(t *testing.T, path, body string, authorized bool) *httptest.ResponseRecorder {
	t.Helper()
	request := httptest.NewRequest(http.MethodPost, api.testTarget+path, bytes.NewBufferString(body))
	request.Header.Set("Content-Type", "application/json")
	if authorized {
		request.Header.Set("Authorization", "Bearer "+api.botToken)
	}
	recorder := httptest.NewRecorder()
	api.handler.ServeHTTP(recorder, request)
	return recorder
}

func mercurialHashOf(index int) string {
	sum := sha1.Sum([]byte(fmt.Sprintf("hg %d", index)))
	return hex.EncodeToString(sum[:])
}

// seedFixture creates the myrepo stack: revisions 1 and 2, diffs 1 and 3 on
// revision 1 and diff 2 on revision 2.
func (api *testAPI) seedFixture(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	if _, err := api.service.CreateRepository(ctx, issues.RepositoryInput{
		ID:   1,
		PHID: "PHID-REPO-xxx",
		Slug: "myrepo",
		URL:  "http://repo.test/myrepo",
	}); err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	for index := 0; index < 2; index++ {
		bugzillaID := int64(10000 + index)
		if _, err := api.service.CreateRevision(ctx, issues.RevisionInput{
			ID:           int64(index + 1),
			RepositoryID: 1,
			PHID:         fmt.Sprintf("PHID-DREV-%d", index+1),
			Title:        fmt.Sprintf("Revision %d", index+1),
			BugzillaID:   &bugzillaID,
		}); err != nil {
			t.Fatalf("failed to create revision: %v", err)
		}
	}
	for index := 0; index < 3; index++ {
		if _, err := api.service.CreateDiff(ctx, issues.DiffInput{
			ID:            int64(index + 1),
			RevisionID:    int64(index%2 + 1),
			PHID:          fmt.Sprintf("PHID-DIFF-%d", index+1),
			ReviewTaskID:  fmt.Sprintf("task-%d", index),
			MercurialHash: mercurialHashOf(index),
		}); err != nil {
			t.Fatalf("failed to create diff: %v", err)
		}
	}
}

func issuesBody(count int) string {
	var buffer bytes.Buffer
	buffer.WriteString(`{"issues":[`)
	for index := 0; index < count; index++ {
		if index > 0 {
			buffer.WriteString(",")
		}
		fmt.Fprintf(&buffer,
			`{"analyzer":"clang-tidy","path":"dom/file%d.cpp","line":%d,"nb_lines":1,"level":"warning","check":"modernize-use-nullptr","message":"use nullptr","in_patch":true}`,
			index, 10+index)
	}
	buffer.WriteString(`]}`)
	return buffer.String()
}
