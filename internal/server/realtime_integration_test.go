package server

import (
	"bufio"
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestEventStreamEmitsIngestEvents(t *testing.T) {
	api := newTestAPI(t)
	api.seedFixture(t)

	server := httptest.NewServer(api.handler)
	t.Cleanup(server.Close)

	streamRequest, err := http.NewRequestWithContext(t.Context(), http.MethodGet, server.URL+"/v1/events/?repository=myrepo", http.NoBody)
	if err != nil {
		t.Fatalf("failed to construct stream request: %v", err)
	}
	streamResp, err := http.DefaultClient.Do(streamRequest)
	if err != nil {
		t.Fatalf("failed to open stream: %v", err)
	}
	t.Cleanup(func() {
		_ = streamResp.Body.Close()
	})
	if streamResp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected stream status: %d", streamResp.StatusCode)
	}
	if contentType := streamResp.Header.Get("Content-Type"); !strings.HasPrefix(contentType, "text/event-stream") {
		t.Fatalf("unexpected content type %q", contentType)
	}

	streamReader := bufio.NewReader(streamResp.Body)

	ingestReq, err := http.NewRequest(http.MethodPost, server.URL+"/v1/task/task-2/issues/", bytes.NewBufferString(issuesBody(3)))
	if err != nil {
		t.Fatalf("failed to construct ingest request: %v", err)
	}
	ingestReq.Header.Set("Authorization", "Bearer "+api.botToken)
	ingestReq.Header.Set("Content-Type", "application/json")
	ingestResp, err := http.DefaultClient.Do(ingestReq)
	if err != nil {
		t.Fatalf("ingest request failed: %v", err)
	}
	_ = ingestResp.Body.Close()
	if ingestResp.StatusCode != http.StatusCreated {
		t.Fatalf("unexpected ingest status: %d", ingestResp.StatusCode)
	}

	currentEventType := ""
	sawHeartbeat := false
	deadline := time.After(5 * time.Second)
	type readResult struct {
		line string
		err  error
	}
	for {
		resultCh := make(chan readResult, 1)
		go func() {
			line, err := streamReader.ReadString('\n')
			resultCh <- readResult{line: line, err: err}
		}()
		select {
		case <-deadline:
			t.Fatal("timed out waiting for realtime event")
		case res := <-resultCh:
			if res.err != nil {
				t.Fatalf("failed to read stream: %v", res.err)
			}
			line := strings.TrimSpace(res.line)
			if line == "" {
				continue
			}
			if strings.HasPrefix(line, "event:") {
				currentEventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
				if currentEventType == realtimeEventHeartbeat {
					sawHeartbeat = true
				}
				continue
			}
			if !strings.HasPrefix(line, "data:") || currentEventType != RealtimeEventIssuesIngested {
				continue
			}
			var payload IngestEvent
			if err := json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))), &payload); err != nil {
				t.Fatalf("failed to decode event payload: %v", err)
			}
			if payload.DiffID != 3 || payload.RevisionID != 1 || payload.ReviewTaskID != "task-2" {
				t.Fatalf("unexpected event target %+v", payload)
			}
			if payload.Inserted != 3 || payload.NbIssues != 3 {
				t.Fatalf("unexpected event counts %+v", payload)
			}
			if !sawHeartbeat {
				t.Fatalf("expected an initial heartbeat before ingest events")
			}
			return
		}
	}
}

func TestEventStreamRequiresRepository(t *testing.T) {
	api := newTestAPI(t)

	recorder := api.get(t, "/v1/events/")
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected bad request without repository, got %d", recorder.Code)
	}
	if !strings.Contains(recorder.Body.String(), `"field":"repository"`) {
		t.Fatalf("unexpected body %s", recorder.Body.String())
	}
}
