// Package realtime pushes lecture indexing events to dashboards over WebSocket.
package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// PingInterval and PongWait drive the WebSocket heartbeat.
	PingInterval = 30 * time.Second
	PongWait     = 60 * time.Second
)

// Publisher publishes a course event to every instance (Redis pub/sub).
type Publisher interface {
	PublishCourseEvent(ctx context.Context, courseID, event string, payload any) error
}

// Subscriber subscribes to a course channel and invokes handler for incoming events.
type Subscriber interface {
	SubscribeCourse(courseID string, handler func(event string, payload []byte)) (cancel func(), err error)
}

// Hub maintains courseID -> set of connections. With Redis configured, events are published only
// and the per-course subscription delivers them to local sockets, so every instance (this one
// included) broadcasts exactly once.
type Hub struct {
	courses map[string]map[string]*Client
	subs    map[string]func()
	mu      sync.RWMutex
	logger  *zap.Logger
	pub     Publisher
	sub     Subscriber
}

// NewHub creates a hub. pub and sub may be nil for a single-instance deployment.
func NewHub(logger *zap.Logger, pub Publisher, sub Subscriber) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		courses: make(map[string]map[string]*Client),
		subs:    make(map[string]func()),
		logger:  logger,
		pub:     pub,
		sub:     sub,
	}
}

// Register adds a client to its course. The first client of a course starts the Redis subscription.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	if h.courses[c.CourseID] == nil {
		h.courses[c.CourseID] = make(map[string]*Client)
		if h.sub != nil {
			courseID := c.CourseID
			cancel, err := h.sub.SubscribeCourse(courseID, func(event string, payload []byte) {
				h.Broadcast(courseID, event, json.RawMessage(payload))
			})
			if err != nil {
				h.logger.Warn("subscribe course channel failed", zap.String("course_id", courseID), zap.Error(err))
			} else {
				h.subs[courseID] = cancel
			}
		}
	}
	h.courses[c.CourseID][c.ID] = c
	h.mu.Unlock()
	h.logger.Debug("dashboard subscribed", zap.String("client_id", c.ID), zap.String("course_id", c.CourseID))
}

// Unregister removes a client. The last client of a course cancels the Redis subscription.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if m, ok := h.courses[c.CourseID]; ok {
		delete(m, c.ID)
		if len(m) == 0 {
			delete(h.courses, c.CourseID)
			if cancel, ok := h.subs[c.CourseID]; ok {
				cancel()
				delete(h.subs, c.CourseID)
			}
		}
	}
	h.mu.Unlock()
	h.logger.Debug("dashboard unsubscribed", zap.String("client_id", c.ID), zap.String("course_id", c.CourseID))
}

// Broadcast sends an event to the local clients of a course. Slow clients drop messages.
func (h *Hub) Broadcast(courseID, event string, payload any) {
	var data []byte
	switch v := payload.(type) {
	case []byte:
		data = v
	case json.RawMessage:
		data = v
	default:
		var err error
		if data, err = json.Marshal(payload); err != nil {
			h.logger.Warn("marshal event payload failed", zap.String("event", event), zap.Error(err))
			return
		}
	}
	msg := WSMessage{Event: event, Data: data}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.courses[courseID] {
		select {
		case c.send <- msg:
		default:
		}
	}
}

// PublishCourseEvent delivers an event to dashboards on every instance.
func (h *Hub) PublishCourseEvent(ctx context.Context, courseID, event string, payload any) error {
	if h.pub != nil && h.sub != nil {
		return h.pub.PublishCourseEvent(ctx, courseID, event, payload)
	}
	h.Broadcast(courseID, event, payload)
	if h.pub != nil {
		return h.pub.PublishCourseEvent(ctx, courseID, event, payload)
	}
	return nil
}

// ClientCount returns the number of local clients watching a course.
func (h *Hub) ClientCount(courseID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.courses[courseID])
}

// Close cancels every Redis subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, cancel := range h.subs {
		cancel()
		delete(h.subs, id)
	}
}
