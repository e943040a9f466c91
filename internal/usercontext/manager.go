package usercontext

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/antoniostano/cyclenlu/internal/domain"
	"github.com/antoniostano/cyclenlu/internal/memory"
	"github.com/antoniostano/cyclenlu/internal/observability"
)

// Load sources reported on context_loads_total.
const (
	SourceCache            = "cache"
	SourceStore            = "store"
	SourceNew              = "new"
	SourceRecoveredCorrupt = "recovered_corrupt"
	SourceLoadError        = "load_error"
)

type Options struct {
	MaxHistory  int
	MaxSymptoms int
	// IdleTTL is how long an untouched context stays cached. Zero keeps
	// entries for the life of the process.
	IdleTTL time.Duration
	Now     func() time.Time
}

// Manager owns the cached contexts. Updates for one user are serialized;
// different users never wait on each other.
type Manager struct {
	store   memory.Store
	logger  *slog.Logger
	metrics *observability.Metrics
	opts    Options

	mu      sync.Mutex
	entries map[string]*entry
	loads   singleflight.Group
}

type entry struct {
	mu         sync.Mutex
	ctx        UserContext
	lastAccess time.Time
	evicted    bool
}

func NewManager(store memory.Store, logger *slog.Logger, metrics *observability.Metrics, opts Options) *Manager {
	if opts.MaxHistory <= 0 {
		opts.MaxHistory = DefaultMaxHistory
	}
	if opts.MaxSymptoms <= 0 {
		opts.MaxSymptoms = DefaultMaxSymptoms
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:   store,
		logger:  logger.With("component", "usercontext"),
		metrics: metrics,
		opts:    opts,
		entries: make(map[string]*entry),
	}
}

// Get returns a copy of the user's context, loading it on first access.
// Missing or unreadable records yield a fresh empty context.
func (m *Manager) Get(ctx context.Context, userID string) UserContext {
	e := m.acquire(ctx, userID)
	defer e.mu.Unlock()
	e.lastAccess = m.opts.Now()
	return e.ctx.Clone()
}

// Update applies d to the user's context, persists the result and returns a
// copy of it. Persistence failures are logged and counted but not returned.
func (m *Manager) Update(ctx context.Context, userID string, d Delta) UserContext {
	e := m.acquire(ctx, userID)
	defer e.mu.Unlock()

	now := m.opts.Now()
	next := e.ctx.Clone()
	m.apply(&next, d, now)
	m.persist(ctx, userID, next, now)

	e.ctx = next
	e.lastAccess = now
	return next.Clone()
}

func (m *Manager) apply(c *UserContext, d Delta, now time.Time) {
	if d.Message != "" {
		turn := Turn{
			ID:        uuid.NewString(),
			Timestamp: now,
			Message:   d.Message,
		}
		if d.Intent != nil {
			i := *d.Intent
			turn.Intent = &i
		}
		if d.Entities != nil {
			e := d.Entities.Clone()
			turn.Entities = &e
		}
		c.ConversationHistory = append(c.ConversationHistory, turn)
		if n := len(c.ConversationHistory); n > m.opts.MaxHistory {
			c.ConversationHistory = append([]Turn(nil), c.ConversationHistory[n-m.opts.MaxHistory:]...)
		}
	}

	if d.CycleData != nil {
		if d.CycleData.PeriodStart != nil {
			ts := *d.CycleData.PeriodStart
			c.LastPeriodStart = &ts
		}
		if d.CycleData.CyclePhase != "" {
			c.CurrentCyclePhase = d.CycleData.CyclePhase
		}
	}

	if len(d.Symptoms) > 0 {
		merged := make([]domain.Symptom, 0, len(d.Symptoms)+len(c.RecentSymptoms))
		merged = append(merged, d.Symptoms...)
		merged = append(merged, c.RecentSymptoms...)
		if len(merged) > m.opts.MaxSymptoms {
			merged = merged[:m.opts.MaxSymptoms]
		}
		c.RecentSymptoms = merged
	}
}

func (m *Manager) persist(ctx context.Context, userID string, c UserContext, now time.Time) {
	data, err := encodeSnapshot(c, now)
	if err == nil {
		// A caller that goes away must not cancel the write it already caused.
		err = m.store.Save(context.WithoutCancel(ctx), userID, data)
	}
	if err != nil {
		m.logger.Error("persist context failed", "user_id", userID, "store", m.store.Mode(), "error", err)
		if m.metrics != nil {
			m.metrics.PersistFailures.Inc()
		}
	}
}

// acquire returns the user's cache entry with its lock held.
func (m *Manager) acquire(ctx context.Context, userID string) *entry {
	for {
		e := m.entry(ctx, userID)
		e.mu.Lock()
		if !e.evicted {
			return e
		}
		e.mu.Unlock()
	}
}

func (m *Manager) entry(ctx context.Context, userID string) *entry {
	m.mu.Lock()
	e, ok := m.entries[userID]
	m.mu.Unlock()
	if ok {
		m.countLoad(SourceCache)
		return e
	}

	v, _, _ := m.loads.Do(userID, func() (any, error) {
		m.mu.Lock()
		if e, ok := m.entries[userID]; ok {
			m.mu.Unlock()
			return e, nil
		}
		m.mu.Unlock()

		c := m.load(context.WithoutCancel(ctx), userID)
		e := &entry{ctx: c, lastAccess: m.opts.Now()}

		m.mu.Lock()
		defer m.mu.Unlock()
		if existing, ok := m.entries[userID]; ok {
			return existing, nil
		}
		m.entries[userID] = e
		m.setCachedGauge()
		return e, nil
	})
	return v.(*entry)
}

func (m *Manager) load(ctx context.Context, userID string) UserContext {
	data, err := m.store.Load(ctx, userID)
	switch {
	case errors.Is(err, memory.ErrNotFound):
		m.countLoad(SourceNew)
		return newContext(userID)
	case err != nil:
		m.logger.Error("load context failed, starting fresh", "user_id", userID, "store", m.store.Mode(), "error", err)
		m.countLoad(SourceLoadError)
		return newContext(userID)
	}

	c, err := decodeSnapshot(data, userID, m.opts.MaxHistory, m.opts.MaxSymptoms)
	if err != nil {
		m.logger.Warn("context record corrupt, starting fresh", "user_id", userID, "error", err)
		m.countLoad(SourceRecoveredCorrupt)
		if m.metrics != nil {
			m.metrics.ObserveIndicator("context_recovered_corrupt")
		}
		return newContext(userID)
	}
	m.countLoad(SourceStore)
	return c
}

// StartJanitor evicts idle cache entries until ctx is done. The durable
// records are untouched. It does nothing when IdleTTL is zero.
func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if m.opts.IdleTTL <= 0 {
		return
	}
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.evictIdle()
			}
		}
	}()
}

// CachedCount reports how many contexts are held in memory.
func (m *Manager) CachedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func (m *Manager) evictIdle() int {
	now := m.opts.Now()
	evicted := 0

	m.mu.Lock()
	defer m.mu.Unlock()
	for userID, e := range m.entries {
		// Busy entries are in use and therefore not idle.
		if !e.mu.TryLock() {
			continue
		}
		if now.Sub(e.lastAccess) >= m.opts.IdleTTL {
			e.evicted = true
			delete(m.entries, userID)
			evicted++
		}
		e.mu.Unlock()
	}
	if evicted > 0 {
		m.logger.Debug("evicted idle contexts", "count", evicted)
	}
	m.setCachedGauge()
	return evicted
}

// setCachedGauge expects m.mu to be held.
func (m *Manager) setCachedGauge() {
	if m.metrics != nil {
		m.metrics.CachedContexts.Set(float64(len(m.entries)))
	}
}

func (m *Manager) countLoad(source string) {
	if m.metrics != nil {
		m.metrics.ContextLoads.WithLabelValues(source).Inc()
	}
}
