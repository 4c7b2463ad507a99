package signaling

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"ltoc/collab/internal/logging"
	"ltoc/collab/internal/metrics"
)

type HubOptions struct {
	// Bus defaults to a LocalBus.
	Bus     Bus
	Logger  *zap.Logger
	Metrics *metrics.Collector
	// CheckOrigin is handed to the websocket upgrader; nil accepts any origin.
	CheckOrigin func(r *http.Request) bool
}

// Hub tracks which connections are subscribed to which topics.
type Hub struct {
	bus     Bus
	logger  *zap.Logger
	metrics *metrics.Collector

	// busMu serializes topic open and close so bus subscriptions match local ones.
	busMu sync.Mutex

	mu         sync.RWMutex
	conns      map[string]*Connection
	topics     map[string]map[string]*Connection // topic -> connID -> connection
	connTopics map[string]map[string]struct{}    // connID -> set of topics
	hooks      []func(topic string)
	closed     bool

	upgrader websocket.Upgrader
}

func NewHub(opts HubOptions) *Hub {
	bus := opts.Bus
	if bus == nil {
		bus = NewLocalBus()
	}
	return &Hub{
		bus:        bus,
		logger:     logging.OrNop(opts.Logger),
		metrics:    opts.Metrics,
		conns:      make(map[string]*Connection),
		topics:     make(map[string]map[string]*Connection),
		connTopics: make(map[string]map[string]struct{}),
		upgrader:   newUpgrader(opts.CheckOrigin),
	}
}

// OnTopicOpened registers fn to run whenever a topic gets its first local
// subscriber. fn runs on the subscribing connection's goroutine and must not block.
func (h *Hub) OnTopicOpened(fn func(topic string)) {
	h.mu.Lock()
	h.hooks = append(h.hooks, fn)
	h.mu.Unlock()
}

func (h *Hub) attach(conn *Connection) bool {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return false
	}
	h.conns[conn.ID] = conn
	h.connTopics[conn.ID] = make(map[string]struct{})
	h.mu.Unlock()
	if h.metrics != nil {
		h.metrics.Connections.Inc()
	}
	return true
}

func (h *Hub) detach(conn *Connection) {
	h.mu.RLock()
	topics := make([]string, 0, len(h.connTopics[conn.ID]))
	for topic := range h.connTopics[conn.ID] {
		topics = append(topics, topic)
	}
	h.mu.RUnlock()
	h.unsubscribe(conn, topics...)

	h.mu.Lock()
	_, tracked := h.conns[conn.ID]
	delete(h.conns, conn.ID)
	delete(h.connTopics, conn.ID)
	h.mu.Unlock()
	if tracked && h.metrics != nil {
		h.metrics.Connections.Dec()
	}
}

func (h *Hub) subscribe(ctx context.Context, conn *Connection, topics ...string) {
	var opened []string
	h.busMu.Lock()
	for _, topic := range topics {
		if topic == "" {
			continue
		}
		h.mu.Lock()
		if _, ok := h.conns[conn.ID]; !ok {
			h.mu.Unlock()
			break
		}
		room := h.topics[topic]
		isNew := room == nil
		if isNew {
			room = make(map[string]*Connection)
			h.topics[topic] = room
		}
		room[conn.ID] = conn
		h.connTopics[conn.ID][topic] = struct{}{}
		h.mu.Unlock()

		if !isNew {
			continue
		}
		if h.metrics != nil {
			h.metrics.Topics.Inc()
		}
		if err := h.bus.Subscribe(ctx, topic, h.deliverer(topic)); err != nil {
			h.logger.Warn("signaling: bus subscribe", zap.String("topic", topic), zap.Error(err))
		}
		opened = append(opened, topic)
	}
	h.busMu.Unlock()

	if len(opened) == 0 {
		return
	}
	h.mu.RLock()
	hooks := append([]func(string){}, h.hooks...)
	h.mu.RUnlock()
	for _, topic := range opened {
		for _, fn := range hooks {
			fn(topic)
		}
	}
}

func (h *Hub) unsubscribe(conn *Connection, topics ...string) {
	h.busMu.Lock()
	defer h.busMu.Unlock()
	for _, topic := range topics {
		h.mu.Lock()
		room := h.topics[topic]
		if room == nil {
			h.mu.Unlock()
			continue
		}
		delete(room, conn.ID)
		if memberships, ok := h.connTopics[conn.ID]; ok {
			delete(memberships, topic)
		}
		emptied := len(room) == 0
		if emptied {
			delete(h.topics, topic)
		}
		h.mu.Unlock()

		if !emptied {
			continue
		}
		if h.metrics != nil {
			h.metrics.Topics.Dec()
		}
		if err := h.bus.Unsubscribe(topic); err != nil {
			h.logger.Warn("signaling: bus unsubscribe", zap.String("topic", topic), zap.Error(err))
		}
	}
}

// Publish sends data to every subscriber of topic on every relay instance.
func (h *Hub) Publish(ctx context.Context, topic string, data []byte) error {
	if h.metrics != nil {
		h.metrics.Published.Inc()
	}
	return h.bus.Publish(ctx, topic, data)
}

func (h *Hub) deliverer(topic string) func([]byte) {
	return func(payload []byte) {
		h.deliver(topic, payload)
	}
}

func (h *Hub) deliver(topic string, data []byte) {
	h.mu.RLock()
	room := h.topics[topic]
	targets := make([]*Connection, 0, len(room))
	for _, conn := range room {
		targets = append(targets, conn)
	}
	h.mu.RUnlock()
	if len(targets) == 0 {
		return
	}

	frame, err := json.Marshal(Message{
		Type:    TypePublish,
		Topic:   topic,
		Data:    json.RawMessage(data),
		Clients: len(targets),
	})
	if err != nil {
		h.logger.Warn("signaling: drop malformed publish", zap.String("topic", topic), zap.Error(err))
		return
	}
	for _, conn := range targets {
		if err := conn.Send(frame); err != nil {
			if h.metrics != nil {
				h.metrics.Dropped.Inc()
			}
			continue
		}
		if h.metrics != nil {
			h.metrics.Delivered.Inc()
		}
	}
}

// Topics lists topics with at least one local subscriber.
func (h *Hub) Topics() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.topics))
	for topic := range h.topics {
		out = append(out, topic)
	}
	sort.Strings(out)
	return out
}

// Subscribers reports the local subscriber count of topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

// Close disconnects every client and waits for their write loops. The bus is
// closed last.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	conns := make([]*Connection, 0, len(h.conns))
	for _, conn := range h.conns {
		conns = append(conns, conn)
	}
	h.mu.Unlock()

	for _, conn := range conns {
		conn.Close(websocket.CloseGoingAway, "relay shutdown")
	}
	deadline := time.After(writeWait)
	for _, conn := range conns {
		select {
		case <-conn.done:
		case <-deadline:
		}
	}
	return h.bus.Close()
}
