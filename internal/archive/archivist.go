// Package archive runs a headless participant in every room opened on the
// relay, so a room's text outlives its last editor.
package archive

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"ltoc/collab/internal/collab"
	"ltoc/collab/internal/logging"
	"ltoc/collab/internal/metrics"
	"ltoc/collab/internal/persistence"
	"ltoc/collab/internal/search"
)

const DefaultIdleTimeout = time.Minute

// Snapshotter uploads a room's final binary state.
type Snapshotter interface {
	PutSnapshot(ctx context.Context, room string, data []byte) (string, error)
}

// Indexer makes a room's text searchable.
type Indexer interface {
	IndexRoom(room search.RoomRecord)
}

type Options struct {
	// Signaling is where the archivist joins rooms, normally the relay itself.
	Signaling []string
	Adapter   persistence.Adapter
	Snapshots Snapshotter
	Index     Indexer
	// IdleTimeout is how long a room may have no peers before it is closed.
	IdleTimeout time.Duration
	// CheckEvery defaults to a quarter of IdleTimeout.
	CheckEvery time.Duration
	Dialer     *websocket.Dialer
	Metrics    *metrics.Collector
	Logger     *zap.Logger
	// MinBackoff and MaxBackoff tune reconnection to the relay.
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

type room struct {
	m         *collab.Manager
	adapter   *trackingAdapter
	idleSince time.Time
}

type Archivist struct {
	opts   Options
	logger *zap.Logger
	now    func() time.Time

	mu      sync.Mutex
	rooms   map[string]*room
	pending map[string]struct{}
	closed  bool

	wg   sync.WaitGroup
	stop chan struct{}
}

func New(opts Options) (*Archivist, error) {
	if len(opts.Signaling) == 0 {
		return nil, errors.New("archive: signaling url is required")
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.CheckEvery <= 0 {
		opts.CheckEvery = opts.IdleTimeout / 4
	}
	a := &Archivist{
		opts:    opts,
		logger:  logging.OrNop(opts.Logger).Named("archive"),
		now:     time.Now,
		rooms:   make(map[string]*room),
		pending: make(map[string]struct{}),
		stop:    make(chan struct{}),
	}
	a.wg.Add(1)
	go a.loop()
	return a, nil
}

// Open joins room in the background unless it is already archived. It is
// safe to call from a relay hook.
func (a *Archivist) Open(roomID string) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	if _, ok := a.rooms[roomID]; ok {
		a.mu.Unlock()
		return
	}
	if _, ok := a.pending[roomID]; ok {
		a.mu.Unlock()
		return
	}
	a.pending[roomID] = struct{}{}
	a.wg.Add(1)
	a.mu.Unlock()

	go func() {
		defer a.wg.Done()
		a.join(roomID)
	}()
}

func (a *Archivist) join(roomID string) {
	var adapter *trackingAdapter
	cfg := collab.Config{
		RoomID:     roomID,
		Signaling:  a.opts.Signaling,
		Dialer:     a.opts.Dialer,
		Logger:     a.logger,
		Headless:   true,
		MinBackoff: a.opts.MinBackoff,
		MaxBackoff: a.opts.MaxBackoff,
	}
	if a.opts.Adapter != nil {
		adapter = &trackingAdapter{Adapter: a.opts.Adapter}
		cfg.Persistence = adapter
	}
	m, err := collab.New(context.Background(), cfg)

	a.mu.Lock()
	delete(a.pending, roomID)
	switch {
	case err != nil:
		a.mu.Unlock()
		a.logger.Warn("archive: join room", zap.String("room", roomID), zap.Error(err))
		return
	case a.closed:
		a.mu.Unlock()
		m.Destroy()
		return
	}
	a.rooms[roomID] = &room{m: m, adapter: adapter}
	a.setGauge()
	a.mu.Unlock()
	a.logger.Info("archive: room opened", zap.String("room", roomID))
}

// Rooms lists the rooms currently replicated.
func (a *Archivist) Rooms() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]string, 0, len(a.rooms))
	for id := range a.rooms {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (a *Archivist) loop() {
	defer a.wg.Done()
	ticker := time.NewTicker(a.opts.CheckEvery)
	defer ticker.Stop()
	for {
		select {
		case <-a.stop:
			return
		case <-ticker.C:
			a.sweep()
		}
	}
}

// sweep closes rooms that have had no peers for IdleTimeout.
func (a *Archivist) sweep() {
	now := a.now()
	var idle []string

	a.mu.Lock()
	for id, r := range a.rooms {
		if len(r.m.Peers()) > 0 {
			r.idleSince = time.Time{}
			continue
		}
		if r.idleSince.IsZero() {
			r.idleSince = now
			continue
		}
		if now.Sub(r.idleSince) >= a.opts.IdleTimeout {
			idle = append(idle, id)
		}
	}
	rooms := make([]*room, 0, len(idle))
	for _, id := range idle {
		rooms = append(rooms, a.rooms[id])
		delete(a.rooms, id)
	}
	a.setGauge()
	a.mu.Unlock()

	for i, r := range rooms {
		a.archive(idle[i], r)
	}
}

// archive flushes a room to every configured destination and leaves it.
func (a *Archivist) archive(roomID string, r *room) {
	logger := a.logger.With(zap.String("room", roomID))
	state := r.m.Document().Save()
	text := r.m.Content().String()
	touched := text != ""
	if r.adapter != nil {
		touched = r.adapter.touched()
	}
	r.m.Destroy()

	if !touched {
		logger.Debug("archive: room closed without content")
		return
	}
	if r.adapter != nil {
		a.count("postgres", r.adapter.compactErr())
	}

	if a.opts.Snapshots != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		key, err := a.opts.Snapshots.PutSnapshot(ctx, roomID, state)
		cancel()
		a.count("minio", err)
		if err != nil {
			logger.Warn("archive: upload snapshot", zap.Error(err))
		} else {
			logger.Debug("archive: snapshot uploaded", zap.String("key", key))
		}
	}
	if a.opts.Index != nil {
		a.opts.Index.IndexRoom(search.RoomRecord{ID: roomID, Text: text, UpdatedAt: a.now().Unix()})
	}
	logger.Info("archive: room closed", zap.Int("runes", len([]rune(text))))
}

func (a *Archivist) count(destination string, err error) {
	if a.opts.Metrics == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	a.opts.Metrics.SnapshotsSaved.WithLabelValues(destination, status).Inc()
}

func (a *Archivist) setGauge() {
	if a.opts.Metrics != nil {
		a.opts.Metrics.ArchivedRooms.Set(float64(len(a.rooms)))
	}
}

// Close archives every open room and waits for background joins.
func (a *Archivist) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	close(a.stop)
	a.mu.Unlock()

	a.wg.Wait()

	a.mu.Lock()
	rooms := a.rooms
	a.rooms = make(map[string]*room)
	a.setGauge()
	a.mu.Unlock()
	for id, r := range rooms {
		a.archive(id, r)
	}
}

// trackingAdapter skips the closing snapshot of rooms that never carried
// content, such as password protected rooms the archivist cannot read.
type trackingAdapter struct {
	persistence.Adapter

	mu      sync.Mutex
	dirty   bool
	lastErr error
}

func (t *trackingAdapter) Load(ctx context.Context, room string) ([][]byte, error) {
	chunks, err := t.Adapter.Load(ctx, room)
	if len(chunks) > 0 {
		t.mark()
	}
	return chunks, err
}

func (t *trackingAdapter) Append(ctx context.Context, room string, update []byte) error {
	t.mark()
	return t.Adapter.Append(ctx, room, update)
}

func (t *trackingAdapter) Compact(ctx context.Context, room string, snapshot []byte) error {
	if !t.touched() {
		return nil
	}
	err := t.Adapter.Compact(ctx, room, snapshot)
	t.mu.Lock()
	t.lastErr = err
	t.mu.Unlock()
	return err
}

func (t *trackingAdapter) compactErr() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastErr
}

// Close leaves the shared adapter open.
func (t *trackingAdapter) Close() error { return nil }

func (t *trackingAdapter) mark() {
	t.mu.Lock()
	t.dirty = true
	t.mu.Unlock()
}

func (t *trackingAdapter) touched() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dirty
}
