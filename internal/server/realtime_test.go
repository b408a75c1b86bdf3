package server

import (
	"context"
	"testing"
	"time"
)

func TestRealtimeDispatcherPublishesToSubscriber(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx, "myrepo")
	defer cleanup()

	dispatcher.Publish(RealtimeMessage{
		Repository: "myrepo",
		EventType:  RealtimeEventIssuesIngested,
		Ingest:     IngestEvent{DiffID: 1, RevisionID: 1, ReviewTaskID: "task-0", Inserted: 5, NbIssues: 5},
		Timestamp:  time.Now().UTC(),
	})

	select {
	case received := <-stream:
		if received.EventType != RealtimeEventIssuesIngested {
			t.Fatalf("expected event type %s, got %s", RealtimeEventIssuesIngested, received.EventType)
		}
		if received.Ingest.NbIssues != 5 {
			t.Fatalf("expected 5 issues, got %d", received.Ingest.NbIssues)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected realtime message within deadline")
	}
}

func TestRealtimeDispatcherIsolatedByRepository(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	repoStream, cleanup := dispatcher.Subscribe(ctx, "myrepo")
	defer cleanup()

	otherStream, otherCleanup := dispatcher.Subscribe(ctx, "nss")
	defer otherCleanup()

	dispatcher.Publish(RealtimeMessage{
		Repository: "nss",
		EventType:  RealtimeEventIssuesIngested,
		Ingest:     IngestEvent{DiffID: 9},
		Timestamp:  time.Now().UTC(),
	})

	select {
	case <-repoStream:
		t.Fatal("did not expect realtime message for unrelated repository")
	case <-time.After(200 * time.Millisecond):
	}

	select {
	case msg := <-otherStream:
		if msg.Repository != "nss" {
			t.Fatalf("expected nss, received %s", msg.Repository)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected realtime message for subscribed repository")
	}
}

func TestRealtimeDispatcherDropsEventsForSlowSubscribers(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx, "myrepo")
	defer cleanup()

	published := realtimeBufferSize + 5
	done := make(chan struct{})
	go func() {
		for index := 0; index < published; index++ {
			dispatcher.Publish(RealtimeMessage{
				Repository: "myrepo",
				EventType:  RealtimeEventIssuesIngested,
				Ingest:     IngestEvent{DiffID: int64(index)},
			})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	if len(stream) != realtimeBufferSize {
		t.Fatalf("expected buffered events to cap at %d, got %d", realtimeBufferSize, len(stream))
	}
}

func TestRealtimeDispatcherUnsubscribesOnCancel(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())

	_, cleanup := dispatcher.Subscribe(ctx, "myrepo")
	defer cleanup()
	if dispatcher.SubscriberCount("myrepo") != 1 {
		t.Fatalf("expected one subscriber")
	}

	cancel()
	deadline := time.Now().Add(time.Second)
	for dispatcher.SubscriberCount("myrepo") != 0 {
		if time.Now().After(deadline) {
			t.Fatal("expected subscriber to be removed after cancellation")
		}
		time.Sleep(10 * time.Millisecond)
	}

	closed, _ := dispatcher.Subscribe(context.Background(), "")
	if _, ok := <-closed; ok {
		t.Fatal("expected closed stream for empty repository")
	}
}
