package streaming

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/chatflow/internal/metrics"
)

// ManagerConfig tunes the replay log.
type ManagerConfig struct {
	// Capacity is the in-memory ring size per stream.
	Capacity int
	// MaxLen caps each Redis stream (approximate trimming).
	MaxLen int64
	// TTL expires idle Redis streams.
	TTL time.Duration
	// KeyPrefix namespaces Redis keys.
	KeyPrefix string
	// Block is how long one XREAD waits before re-checking the caller's context.
	Block time.Duration
}

// DefaultManagerConfig mirrors the service defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		Capacity:  256,
		MaxLen:    1000,
		TTL:       24 * time.Hour,
		KeyPrefix: "chatflow:stream",
		Block:     500 * time.Millisecond,
	}
}

// Manager is a per-stream ordered event log with live fan-out and replay.
// With a Redis client it is backed by Redis Streams and shared across
// processes; without one it keeps a ring buffer per stream in memory.
// Seq values are assigned at publish time and increase by one per event.
type Manager struct {
	rdb    redis.UniversalClient
	cfg    ManagerConfig
	logger *zap.Logger

	// publishMu serializes seq assignment and append so stream ids stay ordered.
	publishMu sync.Mutex

	mu          sync.RWMutex
	subscribers map[string]map[chan Event]struct{}
	history     map[string]*ring
}

// NewManager returns a Redis Streams backed manager, or an in-memory one when
// client is nil.
func NewManager(client redis.UniversalClient, logger *zap.Logger, cfg ManagerConfig) *Manager {
	def := DefaultManagerConfig()
	if cfg.Capacity <= 0 {
		cfg.Capacity = def.Capacity
	}
	if cfg.MaxLen <= 0 {
		cfg.MaxLen = def.MaxLen
	}
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = def.KeyPrefix
	}
	if cfg.Block <= 0 {
		cfg.Block = def.Block
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		rdb:         client,
		cfg:         cfg,
		logger:      logger,
		subscribers: make(map[string]map[chan Event]struct{}),
		history:     make(map[string]*ring),
	}
}

// NewMemoryManager is NewManager without Redis.
func NewMemoryManager(capacity int, logger *zap.Logger) *Manager {
	cfg := DefaultManagerConfig()
	cfg.Capacity = capacity
	return NewManager(nil, logger, cfg)
}

// Distributed reports whether events are shared through Redis.
func (m *Manager) Distributed() bool { return m.rdb != nil }

func (m *Manager) streamKey(id string) string { return fmt.Sprintf("%s:%s", m.cfg.KeyPrefix, id) }
func (m *Manager) seqKey(id string) string    { return fmt.Sprintf("%s:%s:seq", m.cfg.KeyPrefix, id) }

// Publish assigns the next Seq, appends evt to the stream and returns it.
// Redis failures are logged; the returned event then has Seq 0.
func (m *Manager) Publish(streamID string, evt Event) Event {
	evt.StreamID = streamID
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	if m.rdb != nil {
		return m.publishRedis(streamID, evt)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	rg := m.history[streamID]
	if rg == nil {
		rg = newRing(m.cfg.Capacity)
		m.history[streamID] = rg
	}
	rg.nextSeq++
	evt.Seq = rg.nextSeq
	rg.push(evt)
	for ch := range m.subscribers[streamID] {
		select {
		case ch <- evt:
		default:
			// Drop if subscriber is slow; it can replay by seq.
		}
	}
	return evt
}

func (m *Manager) publishRedis(streamID string, evt Event) Event {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	m.publishMu.Lock()
	defer m.publishMu.Unlock()

	seq, err := m.rdb.Incr(ctx, m.seqKey(streamID)).Result()
	if err != nil {
		m.logger.Warn("Failed to increment event seq", zap.String("stream_id", streamID), zap.Error(err))
		return evt
	}
	evt.Seq = uint64(seq)

	_, err = m.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: m.streamKey(streamID),
		ID:     fmt.Sprintf("%d-0", seq),
		MaxLen: m.cfg.MaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"type":  evt.Type,
			"seq":   strconv.FormatInt(seq, 10),
			"event": string(evt.Marshal()),
		},
	}).Result()
	if err != nil {
		m.logger.Warn("Failed to publish event to stream",
			zap.String("stream_id", streamID),
			zap.String("type", evt.Type),
			zap.Error(err),
		)
		evt.Seq = 0
		return evt
	}
	m.rdb.Expire(ctx, m.streamKey(streamID), m.cfg.TTL)
	m.rdb.Expire(ctx, m.seqKey(streamID), m.cfg.TTL)
	return evt
}

// ReplaySince returns retained events with Seq > since, oldest first.
func (m *Manager) ReplaySince(streamID string, since uint64) []Event {
	if m.rdb != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		msgs, err := m.rdb.XRange(ctx, m.streamKey(streamID), fmt.Sprintf("%d-1", since), "+").Result()
		if err != nil {
			m.logger.Warn("Failed to replay stream", zap.String("stream_id", streamID), zap.Error(err))
			return nil
		}
		return m.decode(msgs)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	rg := m.history[streamID]
	if rg == nil {
		return nil
	}
	return rg.since(since)
}

// Subscribe delivers events with Seq > since to ch until ctx is done: first
// the retained backlog, then live events. It blocks and returns nil when ctx
// ends. ch is never closed by the manager.
func (m *Manager) Subscribe(ctx context.Context, streamID string, since uint64, ch chan<- Event) error {
	metrics.StreamSubscribers.Inc()
	defer metrics.StreamSubscribers.Dec()
	if m.rdb != nil {
		return m.subscribeRedis(ctx, streamID, since, ch)
	}

	live := make(chan Event, m.cfg.Capacity)
	m.mu.Lock()
	subs := m.subscribers[streamID]
	if subs == nil {
		subs = make(map[chan Event]struct{})
		m.subscribers[streamID] = subs
	}
	subs[live] = struct{}{}
	var backlog []Event
	if rg := m.history[streamID]; rg != nil {
		backlog = rg.since(since)
	}
	m.mu.Unlock()
	defer m.unsubscribe(streamID, live)

	last := since
	for _, ev := range backlog {
		if !deliver(ctx, ch, ev) {
			return nil
		}
		last = ev.Seq
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-live:
			if ev.Seq <= last {
				continue
			}
			if !deliver(ctx, ch, ev) {
				return nil
			}
			last = ev.Seq
		}
	}
}

func (m *Manager) subscribeRedis(ctx context.Context, streamID string, since uint64, ch chan<- Event) error {
	key := m.streamKey(streamID)
	lastID := fmt.Sprintf("%d-0", since)
	for {
		if ctx.Err() != nil {
			return nil
		}
		res, err := m.rdb.XRead(ctx, &redis.XReadArgs{
			Streams: []string{key, lastID},
			Count:   100,
			Block:   m.cfg.Block,
		}).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read stream %s: %w", streamID, err)
		}
		for _, s := range res {
			for _, ev := range m.decode(s.Messages) {
				if !deliver(ctx, ch, ev) {
					return nil
				}
			}
			if n := len(s.Messages); n > 0 {
				lastID = s.Messages[n-1].ID
			}
		}
	}
}

func (m *Manager) decode(msgs []redis.XMessage) []Event {
	out := make([]Event, 0, len(msgs))
	for _, msg := range msgs {
		raw, _ := msg.Values["event"].(string)
		var ev Event
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			m.logger.Warn("Skipping malformed stream entry", zap.String("id", msg.ID), zap.Error(err))
			continue
		}
		if ev.Seq == 0 {
			if n, err := strconv.ParseUint(strings.SplitN(msg.ID, "-", 2)[0], 10, 64); err == nil {
				ev.Seq = n
			}
		}
		out = append(out, ev)
	}
	return out
}

func (m *Manager) unsubscribe(streamID string, ch chan Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if subs, ok := m.subscribers[streamID]; ok {
		delete(subs, ch)
		if len(subs) == 0 {
			delete(m.subscribers, streamID)
		}
	}
}

// CloseStreams drops the retained log for streamID.
func (m *Manager) CloseStreams(streamID string) {
	if m.rdb != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := m.rdb.Del(ctx, m.streamKey(streamID), m.seqKey(streamID)).Err(); err != nil {
			m.logger.Warn("Failed to delete stream", zap.String("stream_id", streamID), zap.Error(err))
		}
		return
	}
	m.mu.Lock()
	delete(m.history, streamID)
	m.mu.Unlock()
}

func deliver(ctx context.Context, ch chan<- Event, ev Event) bool {
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// ring is a fixed-capacity ring buffer of events
type ring struct {
	buf     []Event
	start   int
	count   int
	nextSeq uint64
}

func newRing(capacity int) *ring { return &ring{buf: make([]Event, capacity)} }

func (r *ring) push(e Event) {
	if len(r.buf) == 0 {
		return
	}
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = e
		r.count++
		return
	}
	// overwrite oldest
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) since(seq uint64) []Event {
	if r.count == 0 {
		return nil
	}
	out := make([]Event, 0, r.count)
	for i := 0; i < r.count; i++ {
		ev := r.buf[(r.start+i)%len(r.buf)]
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out
}
