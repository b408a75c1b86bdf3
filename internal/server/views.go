package server

import (
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/codereview/backend/internal/issues"
	"github.com/gin-gonic/gin"
)

type pagePayload[T any] struct {
	Count    int64   `json:"count"`
	Next     *string `json:"next"`
	Previous *string `json:"previous"`
	Results  []T     `json:"results"`
}

type revisionPayload struct {
	ID             int64  `json:"id"`
	Repository     string `json:"repository"`
	PHID           string `json:"phid"`
	Title          string `json:"title"`
	BugzillaID     *int64 `json:"bugzilla_id"`
	DiffsURL       string `json:"diffs_url"`
	PhabricatorURL string `json:"phabricator_url"`
}

type diffPayload struct {
	ID            int64           `json:"id"`
	Revision      revisionPayload `json:"revision"`
	PHID          string          `json:"phid"`
	ReviewTaskID  string          `json:"review_task_id"`
	MercurialHash *string         `json:"mercurial_hash"`
	IssuesURL     string          `json:"issues_url"`
	NbIssues      int64           `json:"nb_issues"`
}

type issuePayload struct {
	ID       string    `json:"id"`
	Hash     string    `json:"hash"`
	Analyzer string    `json:"analyzer"`
	Path     string    `json:"path"`
	Line     *int64    `json:"line"`
	NbLines  *int64    `json:"nb_lines"`
	Char     *int64    `json:"char"`
	Level    string    `json:"level"`
	Check    *string   `json:"check"`
	Message  string    `json:"message"`
	InPatch  *bool     `json:"in_patch"`
	Created  time.Time `json:"created"`
}

type repositoryPayload struct {
	ID   int64  `json:"id"`
	PHID string `json:"phid"`
	Slug string `json:"slug"`
	URL  string `json:"url"`
}

type revisionDetailPayload struct {
	ID             int64  `json:"id"`
	PHID           string `json:"phid"`
	Title          string `json:"title"`
	BugzillaID     *int64 `json:"bugzilla_id"`
	NbDiffs        int64  `json:"nb_diffs"`
	LatestDiffID   *int64 `json:"latest_diff_id"`
	NbIssues       int64  `json:"nb_issues"`
	DiffsURL       string `json:"diffs_url"`
	PhabricatorURL string `json:"phabricator_url"`
}

type entityRefPayload struct {
	Kind string `json:"kind"`
	ID   int64  `json:"id"`
}

type ingestResultPayload struct {
	DiffID       int64  `json:"diff_id"`
	ReviewTaskID string `json:"review_task_id"`
	Inserted     int    `json:"inserted"`
	NbIssues     int64  `json:"nb_issues"`
}

func (h *httpHandler) diffsURL(base string, revisionID int64) string {
	return fmt.Sprintf("%s/v1/revision/%d/diffs/", base, revisionID)
}

func (h *httpHandler) issuesURL(base string, diffID int64) string {
	return fmt.Sprintf("%s/v1/diff/%d/issues/", base, diffID)
}

func (h *httpHandler) revisionURL(revisionID int64) string {
	return fmt.Sprintf("%s/D%d", h.phabricatorURL, revisionID)
}

func (h *httpHandler) revisionView(base string, revision issues.RevisionSummary) revisionPayload {
	return revisionPayload{
		ID:             revision.ID,
		Repository:     revision.RepositorySlug,
		PHID:           revision.PHID,
		Title:          revision.Title,
		BugzillaID:     revision.BugzillaID,
		DiffsURL:       h.diffsURL(base, revision.ID),
		PhabricatorURL: h.revisionURL(revision.ID),
	}
}

func (h *httpHandler) diffView(base string, diff issues.DiffSummary) diffPayload {
	return diffPayload{
		ID:            diff.ID,
		Revision:      h.revisionView(base, diff.Revision),
		PHID:          diff.PHID,
		ReviewTaskID:  diff.ReviewTaskID,
		MercurialHash: diff.MercurialHash,
		IssuesURL:     h.issuesURL(base, diff.ID),
		NbIssues:      diff.NbIssues,
	}
}

func issueView(issue issues.Issue) issuePayload {
	return issuePayload{
		ID:       issue.ID,
		Hash:     issue.Hash,
		Analyzer: issue.Analyzer,
		Path:     issue.Path,
		Line:     issue.Line,
		NbLines:  issue.NbLines,
		Char:     issue.Char,
		Level:    issue.Level,
		Check:    issue.Check,
		Message:  issue.Message,
		InPatch:  issue.InPatch,
		Created:  issue.CreatedAt.UTC(),
	}
}

func repositoryView(repository issues.Repository) repositoryPayload {
	return repositoryPayload{
		ID:   repository.ID,
		PHID: repository.PHID,
		Slug: repository.Slug,
		URL:  repository.URL,
	}
}

func (h *httpHandler) revisionDetailView(base string, detail issues.RevisionDetail) revisionDetailPayload {
	return revisionDetailPayload{
		ID:             detail.Revision.ID,
		PHID:           detail.Revision.PHID,
		Title:          detail.Revision.Title,
		BugzillaID:     detail.Revision.BugzillaID,
		NbDiffs:        detail.NbDiffs,
		LatestDiffID:   detail.LatestDiffID,
		NbIssues:       detail.NbIssues,
		DiffsURL:       h.diffsURL(base, detail.Revision.ID),
		PhabricatorURL: h.revisionURL(detail.Revision.ID),
	}
}

func (h *httpHandler) pageView(c *gin.Context, page issues.PageRequest, total int64) (next *string, previous *string) {
	if page.HasNext(total) {
		next = h.pageLink(c, page.Page+1)
	}
	if page.HasPrevious() {
		previous = h.pageLink(c, page.Page-1)
	}
	return next, previous
}

func unpaginated[T any](results []T) pagePayload[T] {
	return pagePayload[T]{Count: int64(len(results)), Results: results}
}
