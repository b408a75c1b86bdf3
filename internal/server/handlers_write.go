package server

import (
	"context"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/codereview/backend/internal/issues"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type createRepositoryRequest struct {
	ID   int64  `json:"id"`
	PHID string `json:"phid"`
	Slug string `json:"slug"`
	URL  string `json:"url"`
}

type createRevisionRequest struct {
	ID         int64  `json:"id"`
	PHID       string `json:"phid"`
	Title      string `json:"title"`
	BugzillaID *int64 `json:"bugzilla_id"`
}

type createDiffRequest struct {
	ID            int64  `json:"id"`
	PHID          string `json:"phid"`
	ReviewTaskID  string `json:"review_task_id"`
	MercurialHash string `json:"mercurial_hash"`
}

type ingestRequest struct {
	Issues []issueReportRequest `json:"issues"`
}

type issueReportRequest struct {
	Analyzer string `json:"analyzer"`
	Path     string `json:"path"`
	Line     *int64 `json:"line"`
	NbLines  *int64 `json:"nb_lines"`
	Char     *int64 `json:"char"`
	Level    string `json:"level"`
	Check    string `json:"check"`
	Message  string `json:"message"`
	Hash     string `json:"hash"`
	InPatch  *bool  `json:"in_patch"`
}

func (h *httpHandler) handleCreateRepository(c *gin.Context) {
	var request createRepositoryRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		writeRequestError(c, "invalid_body", "")
		return
	}
	repository, err := h.issuesService.CreateRepository(c.Request.Context(), issues.RepositoryInput{
		ID:   request.ID,
		PHID: request.PHID,
		Slug: request.Slug,
		URL:  request.URL,
	})
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, repositoryView(repository))
}

func (h *httpHandler) handleCreateRevision(c *gin.Context) {
	repositoryID, ok := pathID(c, "id")
	if !ok {
		return
	}
	var request createRevisionRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		writeRequestError(c, "invalid_body", "")
		return
	}
	ctx := c.Request.Context()
	revision, err := h.issuesService.CreateRevision(ctx, issues.RevisionInput{
		ID:           request.ID,
		RepositoryID: repositoryID,
		PHID:         request.PHID,
		Title:        request.Title,
		BugzillaID:   request.BugzillaID,
	})
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	repository, err := h.issuesService.GetRepository(ctx, revision.RepositoryID)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, h.revisionView(h.baseURL(c), issues.RevisionSummary{
		ID:             revision.ID,
		PHID:           revision.PHID,
		Title:          revision.Title,
		BugzillaID:     revision.BugzillaID,
		RepositoryID:   repository.ID,
		RepositorySlug: repository.Slug,
	}))
}

func (h *httpHandler) handleCreateDiff(c *gin.Context) {
	revisionID, ok := pathID(c, "id")
	if !ok {
		return
	}
	var request createDiffRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		writeRequestError(c, "invalid_body", "")
		return
	}
	ctx := c.Request.Context()
	diff, err := h.issuesService.CreateDiff(ctx, issues.DiffInput{
		ID:            request.ID,
		RevisionID:    revisionID,
		PHID:          request.PHID,
		ReviewTaskID:  request.ReviewTaskID,
		MercurialHash: request.MercurialHash,
	})
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	summary, err := h.issuesService.GetDiffSummary(ctx, diff.ID)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, h.diffView(h.baseURL(c), summary))
}

func (h *httpHandler) handleIngestIssues(c *gin.Context) {
	var request ingestRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		writeRequestError(c, "invalid_body", "")
		return
	}
	if request.Issues == nil {
		writeRequestError(c, "missing_issues", "issues")
		return
	}

	reports := make([]issues.IssueReport, 0, len(request.Issues))
	for _, issue := range request.Issues {
		reports = append(reports, issues.IssueReport{
			Analyzer: issue.Analyzer,
			Path:     issue.Path,
			Line:     issue.Line,
			NbLines:  issue.NbLines,
			Char:     issue.Char,
			Level:    issue.Level,
			Check:    issue.Check,
			Message:  issue.Message,
			Hash:     issue.Hash,
			InPatch:  issue.InPatch,
		})
	}

	result, err := h.issuesService.IngestIssues(c.Request.Context(), c.Param("review_task_id"), reports)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	h.publishIngest(c.Request.Context(), result)

	c.JSON(http.StatusCreated, ingestResultPayload{
		DiffID:       result.DiffID,
		ReviewTaskID: result.ReviewTaskID,
		Inserted:     result.Inserted,
		NbIssues:     result.NbIssues,
	})
}

func (h *httpHandler) handleRetireTask(c *gin.Context) {
	diff, err := h.issuesService.RetireReviewTask(c.Request.Context(), c.Param("review_task_id"))
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	h.logger.Info("review task retired over http",
		zap.String("subject", c.GetString(taskSubjectContextKey)),
		zap.Int64("diff_id", diff.ID))
	c.Status(http.StatusNoContent)
}

// publishIngest notifies stream subscribers of the diff's repository. The ingest is already
// committed, so lookup failures are only logged.
func (h *httpHandler) publishIngest(ctx context.Context, result issues.IngestResult) {
	summary, err := h.issuesService.GetDiffSummary(ctx, result.DiffID)
	if err != nil {
		h.logger.Warn("realtime publish skipped", zap.Int64("diff_id", result.DiffID), zap.Error(err))
		return
	}
	h.realtime.Publish(RealtimeMessage{
		Repository: summary.Revision.RepositorySlug,
		EventType:  RealtimeEventIssuesIngested,
		Ingest: IngestEvent{
			DiffID:       result.DiffID,
			RevisionID:   result.RevisionID,
			ReviewTaskID: result.ReviewTaskID,
			Inserted:     result.Inserted,
			NbIssues:     result.NbIssues,
		},
		Timestamp: time.Now().UTC(),
	})
}
