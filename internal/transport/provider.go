// Package transport keeps a room's replicas converged over signaling relays.
//
// Every participant subscribes to the room topic on each configured relay and
// exchanges envelopes with the other participants: announce when joining,
// automerge sync messages per peer, presence updates and a leave notice. The
// relays only see ciphertext when the room has a password.
package transport

import (
	"context"
	"crypto/cipher"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"ltoc/collab/internal/awareness"
	"ltoc/collab/internal/crdt"
	"ltoc/collab/internal/logging"
	"ltoc/collab/internal/signaling"
)

// DefaultSignaling are the public y-webrtc signaling relays.
var DefaultSignaling = []string{
	"wss://signaling.yjs.dev",
	"wss://y-webrtc-signaling-eu.herokuapp.com",
	"wss://y-webrtc-signaling-us.herokuapp.com",
}

const (
	DefaultPeerTimeout = 30 * time.Second
	DefaultSyncGrace   = time.Second
	DefaultSyncTimeout = 5 * time.Second
	defaultMinBackoff  = 500 * time.Millisecond
	defaultMaxBackoff  = 30 * time.Second
	writeWait          = 5 * time.Second
	seenCacheSize      = 4096
	maxFrameSize       = 8 << 20
)

// OriginTransport tags presence removals made when a peer leaves or times out.
const OriginTransport = "transport"

var ErrDestroyed = errors.New("transport: provider destroyed")

type Options struct {
	Room string
	// Signaling lists relay URLs; DefaultSignaling when empty.
	Signaling []string
	// Password enables end-to-end encryption of every envelope.
	Password string
	// PeerID identifies this participant; the awareness connection id when empty.
	PeerID     string
	Dialer     *websocket.Dialer
	MinBackoff time.Duration
	MaxBackoff time.Duration
	// PeerTimeout drops peers not heard from for this long. Heartbeats go out at
	// half of it.
	PeerTimeout time.Duration
	// SyncGrace is how long the initial sync waits for any peer to answer.
	// SyncTimeout bounds the initial sync even while peers are still catching up.
	SyncGrace   time.Duration
	SyncTimeout time.Duration
	Logger      *zap.Logger
}

type peer struct {
	id       string
	session  *crdt.SyncSession
	lastSeen time.Time
	caughtUp bool
}

type endpoint struct {
	url     string
	writeMu sync.Mutex
	ws      *websocket.Conn // guarded by Provider.mu
}

type Provider struct {
	doc    *crdt.Document
	aw     *awareness.Awareness
	opts   Options
	self   string
	aead   cipher.AEAD
	seen   *lru.Cache[string, struct{}]
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	kick   chan struct{}
	awKick chan struct{}

	synced     chan struct{}
	syncedOnce sync.Once

	mu          sync.Mutex
	endpoints   []*endpoint
	peers       map[string]*peer
	graceOver   bool
	started     bool
	destroyed   bool
	unsubscribe []func()
}

// New prepares a provider for doc and aw; aw may be nil. Nothing touches the
// network until Connect.
func New(doc *crdt.Document, aw *awareness.Awareness, opts Options) (*Provider, error) {
	if opts.Room == "" {
		return nil, errors.New("transport: room is required")
	}
	if len(opts.Signaling) == 0 {
		opts.Signaling = DefaultSignaling
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = defaultMinBackoff
	}
	if opts.MaxBackoff < opts.MinBackoff {
		opts.MaxBackoff = max(defaultMaxBackoff, opts.MinBackoff)
	}
	if opts.PeerTimeout <= 0 {
		opts.PeerTimeout = DefaultPeerTimeout
	}
	if opts.SyncGrace <= 0 {
		opts.SyncGrace = DefaultSyncGrace
	}
	if opts.SyncTimeout < opts.SyncGrace {
		opts.SyncTimeout = max(DefaultSyncTimeout, opts.SyncGrace)
	}

	self := opts.PeerID
	if self == "" && aw != nil {
		self = aw.ConnectionID()
	}
	if self == "" {
		self = uuid.NewString()
	}
	aead, err := roomKey(opts.Password, opts.Room)
	if err != nil {
		return nil, err
	}
	seen, err := lru.New[string, struct{}](seenCacheSize)
	if err != nil {
		return nil, fmt.Errorf("dedupe cache: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Provider{
		doc:    doc,
		aw:     aw,
		opts:   opts,
		self:   self,
		aead:   aead,
		seen:   seen,
		logger: logging.OrNop(opts.Logger).With(zap.String("room", opts.Room), zap.String("peer", self)),
		ctx:    ctx,
		cancel: cancel,
		kick:   make(chan struct{}, 1),
		awKick: make(chan struct{}, 1),
		synced: make(chan struct{}),
		peers:  make(map[string]*peer),
	}
	for _, url := range opts.Signaling {
		p.endpoints = append(p.endpoints, &endpoint{url: url})
	}
	return p, nil
}

func (p *Provider) PeerID() string { return p.self }

// Connect starts one connection loop per relay. It returns immediately; relays
// that cannot be reached are retried with exponential backoff until Destroy.
func (p *Provider) Connect() {
	p.mu.Lock()
	if p.started || p.destroyed {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.unsubscribe = append(p.unsubscribe, p.doc.OnUpdate(func(crdt.Update) { signal(p.kick) }))
	if p.aw != nil {
		p.unsubscribe = append(p.unsubscribe, p.aw.OnChange(func(c awareness.Change) {
			if c.Origin == awareness.OriginLocal {
				signal(p.awKick)
			}
		}))
	}
	endpoints := p.endpoints
	p.mu.Unlock()

	p.wg.Add(3 + len(endpoints))
	go p.syncLoop()
	go p.heartbeatLoop()
	go p.syncWatch()
	for _, ep := range endpoints {
		go p.runEndpoint(ep)
	}
}

// Connected reports whether at least one relay connection is up.
func (p *Provider) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ep := range p.endpoints {
		if ep.ws != nil {
			return true
		}
	}
	return false
}

// Peers lists the ids of peers currently known, sorted.
func (p *Provider) Peers() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.peers))
	for id := range p.peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// WaitSynced blocks until the initial sync is over: every peer that answered
// the announce holds nothing this replica lacks, or no peer answered within
// SyncGrace, or SyncTimeout passed. Relays that cannot be reached end it after
// the grace window. It returns ErrDestroyed when the provider goes first.
func (p *Provider) WaitSynced(ctx context.Context) error {
	select {
	case <-p.synced:
		return nil
	default:
	}
	select {
	case <-p.synced:
		return nil
	case <-p.ctx.Done():
		return ErrDestroyed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Synced reports whether the initial sync is over.
func (p *Provider) Synced() bool {
	select {
	case <-p.synced:
		return true
	default:
		return false
	}
}

// Destroy tells peers this participant is leaving, closes every relay connection
// and waits for all goroutines. Safe to call more than once.
func (p *Provider) Destroy() {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return
	}
	p.destroyed = true
	unsubscribe := p.unsubscribe
	p.unsubscribe = nil
	started := p.started
	p.mu.Unlock()

	for _, fn := range unsubscribe {
		fn()
	}
	if started {
		p.send(envelope{Type: typeLeave})
	}
	p.cancel()

	p.mu.Lock()
	for _, ep := range p.endpoints {
		if ep.ws != nil {
			_ = ep.ws.Close()
		}
	}
	p.mu.Unlock()
	p.wg.Wait()

	p.mu.Lock()
	p.peers = make(map[string]*peer)
	p.mu.Unlock()
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (p *Provider) runEndpoint(ep *endpoint) {
	defer p.wg.Done()
	logger := p.logger.With(zap.String("endpoint", ep.url))

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.opts.MinBackoff
	b.MaxInterval = p.opts.MaxBackoff
	b.MaxElapsedTime = 0
	retry := backoff.WithContext(b, p.ctx)

	err := backoff.RetryNotify(func() error {
		err := p.serve(ep, b, logger)
		if p.ctx.Err() != nil {
			return backoff.Permanent(ErrDestroyed)
		}
		return err
	}, retry, func(err error, wait time.Duration) {
		logger.Debug("transport: relay unavailable", zap.Error(err), zap.Duration("retry_in", wait))
	})
	if err != nil && !errors.Is(err, ErrDestroyed) && !errors.Is(err, context.Canceled) {
		logger.Warn("transport: relay loop stopped", zap.Error(err))
	}
}

// serve runs one relay connection until it fails. It never returns nil.
func (p *Provider) serve(ep *endpoint, b *backoff.ExponentialBackOff, logger *zap.Logger) error {
	ws, _, err := p.opts.Dialer.DialContext(p.ctx, ep.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		_ = ws.Close()
		return backoff.Permanent(ErrDestroyed)
	}
	ep.ws = ws
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		if ep.ws == ws {
			ep.ws = nil
		}
		p.mu.Unlock()
		_ = ws.Close()
	}()
	b.Reset()
	logger.Debug("transport: relay connected")

	ws.SetReadLimit(maxFrameSize)
	if err := p.writeFrame(ep, ws, signaling.Subscribe(p.opts.Room)); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	// peers answer the announce with their own, which restarts sync with each of them
	if err := p.sendOn(ep, ws, envelope{Type: typeAnnounce}); err != nil {
		return fmt.Errorf("announce: %w", err)
	}

	for {
		_ = ws.SetReadDeadline(time.Now().Add(p.opts.PeerTimeout))
		_, data, err := ws.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		p.handleFrame(data)
	}
}

func (p *Provider) syncLoop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-p.kick:
			for _, pr := range p.peerList() {
				p.sendSync(pr)
			}
		case <-p.awKick:
			p.broadcastAwareness()
		}
	}
}

func (p *Provider) syncWatch() {
	defer p.wg.Done()
	grace := time.NewTimer(p.opts.SyncGrace)
	defer grace.Stop()
	limit := time.NewTimer(p.opts.SyncTimeout)
	defer limit.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-p.synced:
			return
		case <-grace.C:
			p.mu.Lock()
			p.graceOver = true
			p.mu.Unlock()
			p.checkSynced()
		case <-limit.C:
			p.logger.Debug("transport: initial sync timed out", zap.Strings("peers", p.Peers()))
			p.markSynced()
			return
		}
	}
}

// checkSynced ends the initial sync once no known peer is still catching up and
// either one peer did or nobody answered within the grace window.
func (p *Provider) checkSynced() {
	if p.Synced() {
		return
	}
	p.mu.Lock()
	pending, caughtUp := 0, 0
	for _, pr := range p.peers {
		if pr.caughtUp {
			caughtUp++
		} else {
			pending++
		}
	}
	ready := pending == 0 && (caughtUp > 0 || p.graceOver)
	p.mu.Unlock()
	if ready {
		p.markSynced()
	}
}

func (p *Provider) markSynced() {
	p.syncedOnce.Do(func() {
		close(p.synced)
		p.logger.Debug("transport: initial sync done")
	})
}

func (p *Provider) heartbeatLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.opts.PeerTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.pingRelays()
			p.broadcastAwareness()
			p.prune()
		}
	}
}

func (p *Provider) handleFrame(data []byte) {
	var msg signaling.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		p.logger.Debug("transport: ignore malformed frame", zap.Error(err))
		return
	}
	if msg.Type != signaling.TypePublish || msg.Topic != p.opts.Room {
		return
	}
	env, err := decode(p.aead, msg.Data)
	if err != nil {
		p.logger.Debug("transport: drop envelope", zap.Error(err))
		return
	}
	if env.ID == "" || env.From == "" || env.From == p.self {
		return
	}
	if env.To != "" && env.To != p.self {
		return
	}
	// the same envelope arrives once per relay
	if seen, _ := p.seen.ContainsOrAdd(env.ID, struct{}{}); seen {
		return
	}

	switch env.Type {
	case typeAnnounce:
		pr := p.resetPeer(env.From)
		if env.To == "" {
			p.send(envelope{Type: typeAnnounce, To: env.From})
		}
		p.sendSync(pr)
		p.sendAwareness(env.From)
	case typeSync:
		pr, _ := p.touchPeer(env.From)
		if err := pr.session.Receive(crdt.Origin("peer:"+env.From), env.Payload); err != nil {
			p.logger.Debug("transport: sync message rejected", zap.String("from", env.From), zap.Error(err))
			return
		}
		p.sendSync(pr)
		if !p.Synced() && pr.session.CaughtUp() {
			p.mu.Lock()
			pr.caughtUp = true
			p.mu.Unlock()
			p.checkSynced()
		}
	case typeAwareness:
		// a peer that missed our announce still gets a sync round
		if pr, created := p.touchPeer(env.From); created {
			p.sendSync(pr)
		}
		if p.aw != nil && len(env.Payload) > 0 {
			if err := p.aw.ApplyUpdate(env.Payload, "peer:"+env.From); err != nil {
				p.logger.Debug("transport: awareness update rejected", zap.String("from", env.From), zap.Error(err))
			}
		}
	case typeLeave:
		p.dropPeers(env.From)
	}
}

func (p *Provider) peerList() []*peer {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*peer, 0, len(p.peers))
	for _, pr := range p.peers {
		out = append(out, pr)
	}
	return out
}

func (p *Provider) resetPeer(id string) *peer {
	pr := &peer{id: id, session: p.doc.NewSyncSession(), lastSeen: time.Now()}
	p.mu.Lock()
	p.peers[id] = pr
	p.mu.Unlock()
	return pr
}

// touchPeer renews a known peer, or starts a session with a peer first heard
// from without an announce.
func (p *Provider) touchPeer(id string) (pr *peer, created bool) {
	p.mu.Lock()
	pr, ok := p.peers[id]
	if ok {
		pr.lastSeen = time.Now()
		p.mu.Unlock()
		return pr, false
	}
	p.mu.Unlock()
	return p.resetPeer(id), true
}

func (p *Provider) dropPeers(ids ...string) {
	p.mu.Lock()
	for _, id := range ids {
		delete(p.peers, id)
	}
	p.mu.Unlock()
	if p.aw != nil {
		p.aw.RemoveStates(ids, OriginTransport)
	}
	p.checkSynced()
}

func (p *Provider) prune() {
	cutoff := time.Now().Add(-p.opts.PeerTimeout)
	var stale []string
	p.mu.Lock()
	for id, pr := range p.peers {
		if pr.lastSeen.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	p.mu.Unlock()
	if len(stale) > 0 {
		p.logger.Debug("transport: peers timed out", zap.Strings("peers", stale))
		p.dropPeers(stale...)
	}
}

func (p *Provider) sendSync(pr *peer) {
	msg, ok := pr.session.Generate()
	if !ok {
		return
	}
	p.send(envelope{Type: typeSync, To: pr.id, Payload: msg})
}

func (p *Provider) sendAwareness(to string) {
	payload := p.localAwareness()
	p.send(envelope{Type: typeAwareness, To: to, Payload: payload})
}

// broadcastAwareness doubles as the heartbeat, so it goes out even without a
// presence tracker.
func (p *Provider) broadcastAwareness() {
	p.sendAwareness("")
}

func (p *Provider) localAwareness() []byte {
	if p.aw == nil {
		return nil
	}
	data, err := p.aw.EncodeUpdate(p.aw.ConnectionID())
	if err != nil {
		p.logger.Debug("transport: encode awareness", zap.Error(err))
		return nil
	}
	return data
}

func (p *Provider) pingRelays() {
	frame, err := json.Marshal(signaling.Message{Type: signaling.TypePing})
	if err != nil {
		return
	}
	for _, target := range p.connected() {
		_ = p.writeRaw(target.ep, target.ws, frame)
	}
}

type liveConn struct {
	ep *endpoint
	ws *websocket.Conn
}

func (p *Provider) connected() []liveConn {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]liveConn, 0, len(p.endpoints))
	for _, ep := range p.endpoints {
		if ep.ws != nil {
			out = append(out, liveConn{ep: ep, ws: ep.ws})
		}
	}
	return out
}

// send publishes env on every connected relay. Delivery is best effort; a relay
// that fails the write is reconnected by its own loop.
func (p *Provider) send(env envelope) {
	frame, err := p.frame(env)
	if err != nil {
		p.logger.Warn("transport: encode envelope", zap.String("type", env.Type), zap.Error(err))
		return
	}
	for _, target := range p.connected() {
		if err := p.writeRaw(target.ep, target.ws, frame); err != nil {
			p.logger.Debug("transport: write", zap.String("endpoint", target.ep.url), zap.Error(err))
		}
	}
}

func (p *Provider) sendOn(ep *endpoint, ws *websocket.Conn, env envelope) error {
	frame, err := p.frame(env)
	if err != nil {
		return err
	}
	return p.writeRaw(ep, ws, frame)
}

func (p *Provider) frame(env envelope) ([]byte, error) {
	env.ID = uuid.NewString()
	env.From = p.self
	p.seen.Add(env.ID, struct{}{})
	data, err := encode(p.aead, env)
	if err != nil {
		return nil, err
	}
	return json.Marshal(signaling.Publish(p.opts.Room, data))
}

func (p *Provider) writeFrame(ep *endpoint, ws *websocket.Conn, msg signaling.Message) error {
	frame, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return p.writeRaw(ep, ws, frame)
}

func (p *Provider) writeRaw(ep *endpoint, ws *websocket.Conn, frame []byte) error {
	ep.writeMu.Lock()
	defer ep.writeMu.Unlock()
	if err := ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return ws.WriteMessage(websocket.TextMessage, frame)
}
