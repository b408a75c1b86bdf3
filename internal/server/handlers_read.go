package server

import (
	"net/http"

	"github.com/MarcoPoloResearchLab/codereview/backend/internal/issues"
	"github.com/gin-gonic/gin"
)

func (h *httpHandler) handleListDiffs(c *gin.Context) {
	filter, err := issues.ParseDiffFilter(issues.DiffQuery{
		Repository:   c.Query("repository"),
		Revision:     c.Query("revision"),
		ReviewTaskID: c.Query("review_task_id"),
		Ordering:     c.Query("ordering"),
	})
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	page, ok := h.pageRequest(c)
	if !ok {
		return
	}

	result, err := h.issuesService.ListDiffs(c.Request.Context(), filter, page)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	h.writeDiffPage(c, page, result)
}

func (h *httpHandler) handleListRevisionDiffs(c *gin.Context) {
	revisionID, ok := pathID(c, "id")
	if !ok {
		return
	}
	page, ok := h.pageRequest(c)
	if !ok {
		return
	}

	result, err := h.issuesService.ListRevisionDiffSummaries(c.Request.Context(), revisionID, page)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	h.writeDiffPage(c, page, result)
}

func (h *httpHandler) writeDiffPage(c *gin.Context, page issues.PageRequest, result issues.DiffPage) {
	base := h.baseURL(c)
	response := pagePayload[diffPayload]{
		Count:   result.Total,
		Results: make([]diffPayload, 0, len(result.Diffs)),
	}
	response.Next, response.Previous = h.pageView(c, page, result.Total)
	for _, diff := range result.Diffs {
		response.Results = append(response.Results, h.diffView(base, diff))
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleGetDiff(c *gin.Context) {
	diffID, ok := pathID(c, "id")
	if !ok {
		return
	}
	diff, err := h.issuesService.GetDiffSummary(c.Request.Context(), diffID)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.diffView(h.baseURL(c), diff))
}

func (h *httpHandler) handleListDiffIssues(c *gin.Context) {
	diffID, ok := pathID(c, "id")
	if !ok {
		return
	}
	page, ok := h.pageRequest(c)
	if !ok {
		return
	}

	result, err := h.issuesService.ListDiffIssues(c.Request.Context(), diffID, page)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	response := pagePayload[issuePayload]{
		Count:   result.Total,
		Results: make([]issuePayload, 0, len(result.Issues)),
	}
	response.Next, response.Previous = h.pageView(c, page, result.Total)
	for _, issue := range result.Issues {
		response.Results = append(response.Results, issueView(issue))
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleListRepositories(c *gin.Context) {
	repositories, err := h.issuesService.ListRepositories(c.Request.Context())
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	results := make([]repositoryPayload, 0, len(repositories))
	for _, repository := range repositories {
		results = append(results, repositoryView(repository))
	}
	c.JSON(http.StatusOK, unpaginated(results))
}

func (h *httpHandler) handleListRevisions(c *gin.Context) {
	repositoryID, ok := pathID(c, "id")
	if !ok {
		return
	}
	details, err := h.issuesService.ListRevisionDetails(c.Request.Context(), repositoryID)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	base := h.baseURL(c)
	results := make([]revisionDetailPayload, 0, len(details))
	for _, detail := range details {
		results = append(results, h.revisionDetailView(base, detail))
	}
	c.JSON(http.StatusOK, unpaginated(results))
}

func (h *httpHandler) handleResolvePHID(c *gin.Context) {
	ref, err := h.issuesService.ResolvePHID(c.Request.Context(), c.Param("phid"))
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, entityRefPayload{Kind: string(ref.Kind), ID: ref.ID})
}
