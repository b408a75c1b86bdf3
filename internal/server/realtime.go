package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/codereview/backend/internal/issues"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	RealtimeEventIssuesIngested = "issues-ingested"
	realtimeEventHeartbeat      = "heartbeat"
	realtimeSourceBackend       = "codereview-backend"
	realtimeBufferSize          = 16
)

// IngestEvent is the payload of an issues-ingested event.
type IngestEvent struct {
	DiffID       int64  `json:"diffId"`
	RevisionID   int64  `json:"revisionId"`
	ReviewTaskID string `json:"reviewTaskId"`
	Inserted     int    `json:"inserted"`
	NbIssues     int64  `json:"nbIssues"`
}

// RealtimeMessage is routed to the subscribers of one repository.
type RealtimeMessage struct {
	Repository string
	EventType  string
	Ingest     IngestEvent
	Timestamp  time.Time
}

type heartbeatPayload struct {
	Source    string `json:"source"`
	Timestamp string `json:"timestamp"`
}

// RealtimeDispatcher fans ingest notifications out to per-repository subscribers.
// Publishing never blocks; a subscriber with a full buffer misses the event.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
}

type realtimeSubscriber struct {
	id     int64
	stream chan RealtimeMessage
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[string]map[int64]*realtimeSubscriber),
		bufferSize:  realtimeBufferSize,
	}
}

func (d *RealtimeDispatcher) Subscribe(ctx context.Context, repository string) (<-chan RealtimeMessage, func()) {
	if repository == "" {
		ch := make(chan RealtimeMessage)
		close(ch)
		return ch, func() {}
	}
	subscriber := &realtimeSubscriber{
		id:     d.nextSequence(),
		stream: make(chan RealtimeMessage, d.bufferSize),
	}
	d.registerSubscriber(repository, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregisterSubscriber(repository, subscriber.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

func (d *RealtimeDispatcher) Publish(message RealtimeMessage) {
	if message.Repository == "" || message.EventType == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[message.Repository]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*realtimeSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- message:
		default:
		}
	}
}

// SubscriberCount reports the live subscribers of a repository.
func (d *RealtimeDispatcher) SubscriberCount(repository string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[repository])
}

func (d *RealtimeDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *RealtimeDispatcher) registerSubscriber(repository string, subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[repository]; !ok {
		d.subscribers[repository] = make(map[int64]*realtimeSubscriber)
	}
	d.subscribers[repository][subscriber.id] = subscriber
}

func (d *RealtimeDispatcher) unregisterSubscriber(repository string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[repository]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, repository)
		}
	}
	d.mu.Unlock()
}

func (h *httpHandler) handleEventStream(c *gin.Context) {
	slug, err := issues.NewRepositorySlug(c.Query("repository"))
	if err != nil {
		writeRequestError(c, "invalid_repository", "repository")
		return
	}

	ctx := c.Request.Context()
	stream, cleanup := h.realtime.Subscribe(ctx, slug.String())
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	h.logger.Debug("realtime subscriber connected", zap.String("repository", slug.String()))
	h.writeHeartbeat(c)

	ticker := time.NewTicker(h.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("realtime subscriber disconnected", zap.String("repository", slug.String()))
			return
		case message, ok := <-stream:
			if !ok {
				return
			}
			c.SSEvent(message.EventType, message.Ingest)
			c.Writer.Flush()
		case <-ticker.C:
			h.writeHeartbeat(c)
		}
	}
}

func (h *httpHandler) writeHeartbeat(c *gin.Context) {
	c.SSEvent(realtimeEventHeartbeat, heartbeatPayload{
		Source:    realtimeSourceBackend,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	c.Writer.Flush()
}
