package usercontext

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antoniostano/cyclenlu/internal/domain"
	"github.com/antoniostano/cyclenlu/internal/memory"
	"github.com/antoniostano/cyclenlu/internal/observability"
)

type countingStore struct {
	memory.Store
	loads     atomic.Int32
	loadDelay time.Duration
	loadErr   error
	saveErr   error
}

func newCountingStore() *countingStore {
	return &countingStore{Store: memory.NewInMemoryStore()}
}

func (s *countingStore) Load(ctx context.Context, userID string) ([]byte, error) {
	s.loads.Add(1)
	if s.loadDelay > 0 {
		time.Sleep(s.loadDelay)
	}
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	return s.Store.Load(ctx, userID)
}

func (s *countingStore) Save(ctx context.Context, userID string, snapshot []byte) error {
	if s.saveErr != nil {
		return s.saveErr
	}
	return s.Store.Save(ctx, userID, snapshot)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestManager(t *testing.T, store memory.Store, opts Options) (*Manager, *observability.Metrics) {
	t.Helper()
	metrics := observability.NewMetricsWith(prometheus.NewRegistry(), "test")
	return NewManager(store, observability.DiscardLogger(), metrics, opts), metrics
}

func TestGetCreatesFreshContextOnce(t *testing.T) {
	store := newCountingStore()
	m, metrics := newTestManager(t, store, Options{})
	ctx := context.Background()

	first := m.Get(ctx, "u1")
	second := m.Get(ctx, "u1")

	assert.Equal(t, first, second)
	assert.Equal(t, "u1", first.UserID)
	assert.Empty(t, first.ConversationHistory)
	assert.Empty(t, first.RecentSymptoms)
	assert.Empty(t, first.CurrentCyclePhase)
	assert.Nil(t, first.LastPeriodStart)
	assert.EqualValues(t, 1, store.loads.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.ContextLoads.WithLabelValues(SourceNew)))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.ContextLoads.WithLabelValues(SourceCache)))
}

func TestUpdateKeepsLastFiveTurns(t *testing.T) {
	m, _ := newTestManager(t, newCountingStore(), Options{})
	ctx := context.Background()

	var got UserContext
	for i := 1; i <= 6; i++ {
		got = m.Update(ctx, "u1", Delta{Message: fmt.Sprintf("m%d", i)})
	}

	require.Len(t, got.ConversationHistory, 5)
	for i, turn := range got.ConversationHistory {
		assert.Equal(t, fmt.Sprintf("m%d", i+2), turn.Message)
		assert.NotEmpty(t, turn.ID)
		assert.False(t, turn.Timestamp.IsZero())
	}
	assert.Equal(t, []string{"m4", "m5", "m6"}, got.RecentMessages(3))
}

func TestUpdateKeepsTenNewestSymptoms(t *testing.T) {
	m, _ := newTestManager(t, newCountingStore(), Options{})
	ctx := context.Background()

	batch := func(names ...string) []domain.Symptom {
		out := make([]domain.Symptom, 0, len(names))
		for _, n := range names {
			out = append(out, domain.NormalizeSymptom(n))
		}
		return out
	}
	m.Update(ctx, "u1", Delta{Symptoms: batch("s01", "s02", "s03", "s04", "s05", "s06")})
	got := m.Update(ctx, "u1", Delta{Symptoms: batch("s07", "s08", "s09", "s10", "s11", "s12")})

	require.Len(t, got.RecentSymptoms, 10)
	names := make([]string, 0, 10)
	for _, s := range got.RecentSymptoms {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{"s07", "s08", "s09", "s10", "s11", "s12", "s01", "s02", "s03", "s04"}, names)
}

func TestUpdateAppliesCycleData(t *testing.T) {
	m, _ := newTestManager(t, newCountingStore(), Options{})
	ctx := context.Background()
	start := time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC)

	got := m.Update(ctx, "u1", Delta{CycleData: &domain.CycleData{PeriodStart: &start}})
	require.NotNil(t, got.LastPeriodStart)
	assert.True(t, got.LastPeriodStart.Equal(start))
	assert.Empty(t, got.CurrentCyclePhase)
	assert.Empty(t, got.ConversationHistory, "empty message must not append a turn")

	got = m.Update(ctx, "u1", Delta{CycleData: &domain.CycleData{CyclePhase: domain.PhaseFollicular}})
	assert.Equal(t, domain.PhaseFollicular, got.CurrentCyclePhase)
	require.NotNil(t, got.LastPeriodStart, "phase-only update keeps the period start")
}

func TestReturnedContextsAreCopies(t *testing.T) {
	m, _ := newTestManager(t, newCountingStore(), Options{})
	ctx := context.Background()
	intent := &domain.Intent{Primary: domain.IntentSymptomLogging, Confidence: 0.9}

	got := m.Update(ctx, "u1", Delta{
		Message:  "I feel tired",
		Intent:   intent,
		Symptoms: []domain.Symptom{{Name: "fatigue", Category: domain.CategoryPhysical}},
	})
	intent.Primary = "mutated"
	got.ConversationHistory[0].Message = "changed"
	got.ConversationHistory[0].Intent.Confidence = 0
	got.RecentSymptoms[0].Name = "changed"

	again := m.Get(ctx, "u1")
	assert.Equal(t, "I feel tired", again.ConversationHistory[0].Message)
	assert.Equal(t, domain.IntentSymptomLogging, again.ConversationHistory[0].Intent.Primary)
	assert.Equal(t, 0.9, again.ConversationHistory[0].Intent.Confidence)
	assert.Equal(t, "fatigue", again.RecentSymptoms[0].Name)
}

func TestUpdatePersistsVersionedSnapshot(t *testing.T) {
	store := newCountingStore()
	clock := &fakeClock{now: time.Date(2025, 3, 15, 9, 0, 0, 0, time.UTC)}
	m, _ := newTestManager(t, store, Options{Now: clock.Now})
	ctx := context.Background()

	m.Update(ctx, "u1", Delta{Message: "hello", CycleData: &domain.CycleData{CyclePhase: domain.PhaseLuteal}})

	raw, err := store.Store.Load(ctx, "u1")
	require.NoError(t, err)
	var env struct {
		SchemaVersion int             `json:"schemaVersion"`
		SavedAt       time.Time       `json:"savedAt"`
		Context       json.RawMessage `json:"context"`
	}
	require.NoError(t, json.Unmarshal(raw, &env))
	assert.Equal(t, 1, env.SchemaVersion)
	assert.True(t, env.SavedAt.Equal(clock.Now()))
	assert.Contains(t, string(env.Context), `"currentCyclePhase":"luteal"`)

	fresh, _ := newTestManager(t, store, Options{})
	reloaded := fresh.Get(ctx, "u1")
	require.Len(t, reloaded.ConversationHistory, 1)
	assert.Equal(t, "hello", reloaded.ConversationHistory[0].Message)
	assert.Equal(t, domain.PhaseLuteal, reloaded.CurrentCyclePhase)
}

func TestGetLoadsLegacySnapshot(t *testing.T) {
	store := newCountingStore()
	legacy := `{
		"userId": "u1",
		"conversationHistory": [
			{"timestamp": "2025-03-14T10:00:00.000Z", "message": "my period started",
			 "intent": {"primary": "cycle_tracking", "subtype": "period_start_logging", "confidence": 0.95},
			 "entities": {"temporal": {"dates": ["2025-03-14T00:00:00.000Z"], "cycle_phase": null}, "symptoms": []}}
		],
		"lastPeriodStart": "2025-03-14T00:00:00.000Z",
		"recentSymptoms": [{"name": "menstrual_cramps", "category": "physical"}]
	}`
	require.NoError(t, store.Store.Save(context.Background(), "u1", []byte(legacy)))

	m, metrics := newTestManager(t, store, Options{})
	got := m.Get(context.Background(), "u1")

	require.Len(t, got.ConversationHistory, 1)
	turn := got.ConversationHistory[0]
	assert.Equal(t, "my period started", turn.Message)
	require.NotNil(t, turn.Intent)
	assert.Equal(t, domain.SubtypePeriodStartLogging, turn.Intent.Subtype)
	require.NotNil(t, turn.Entities)
	first, ok := turn.Entities.FirstDate()
	require.True(t, ok)
	assert.Equal(t, 14, first.Day())
	require.NotNil(t, got.LastPeriodStart)
	assert.Equal(t, time.March, got.LastPeriodStart.Month())
	assert.Equal(t, "menstrual_cramps", got.RecentSymptoms[0].Name)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.ContextLoads.WithLabelValues(SourceStore)))
}

func TestReloadKeepsContextWithUnusualEntityShapes(t *testing.T) {
	now := time.Date(2025, 3, 15, 9, 0, 0, 0, time.UTC)
	start := time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC)
	cases := map[string]string{
		"string temporal":     `{"temporal": "yesterday", "symptoms": ["cramps"]}`,
		"array temporal":      `{"temporal": [], "symptoms": ["cramps"]}`,
		"number temporal":     `{"temporal": 3, "symptoms": ["cramps"]}`,
		"object symptoms":     `{"symptoms": [{"name": "cramps"}]}`,
		"string symptoms":     `{"symptoms": "cramps"}`,
		"string dates":        `{"temporal": {"dates": "2025-03-14", "cycle_phase": "luteal"}}`,
		"numeric cycle phase": `{"temporal": {"dates": ["2025-03-14"], "cycle_phase": 2}}`,
	}
	for name, rawEntities := range cases {
		t.Run(name, func(t *testing.T) {
			var raw domain.RawEntities
			require.NoError(t, json.Unmarshal([]byte(rawEntities), &raw))
			entities := domain.ProcessEntitiesAt(raw, now)
			want, err := json.Marshal(entities)
			require.NoError(t, err)

			store := newCountingStore()
			writer, _ := newTestManager(t, store, Options{Now: func() time.Time { return now }})
			writer.Update(context.Background(), "u1", Delta{
				Message:   "logging today",
				Intent:    &domain.Intent{Primary: domain.IntentCycleTracking, Subtype: domain.SubtypePeriodStartLogging},
				Entities:  &entities,
				CycleData: &domain.CycleData{PeriodStart: &start},
				Symptoms:  entities.Symptoms,
			})

			reader, metrics := newTestManager(t, store, Options{})
			got := reader.Get(context.Background(), "u1")

			assert.Equal(t, 1.0, testutil.ToFloat64(metrics.ContextLoads.WithLabelValues(SourceStore)))
			assert.Equal(t, 0.0, testutil.ToFloat64(metrics.ContextLoads.WithLabelValues(SourceRecoveredCorrupt)))
			require.NotNil(t, got.LastPeriodStart)
			assert.True(t, got.LastPeriodStart.Equal(start))
			assert.Len(t, got.RecentSymptoms, len(entities.Symptoms))
			require.Len(t, got.ConversationHistory, 1)
			require.NotNil(t, got.ConversationHistory[0].Entities)
			reloaded, err := json.Marshal(got.ConversationHistory[0].Entities)
			require.NoError(t, err)
			assert.JSONEq(t, string(want), string(reloaded))
		})
	}
}

func TestGetRecoversFromCorruptRecords(t *testing.T) {
	for name, record := range map[string]string{
		"garbage":        `{not json`,
		"future version": `{"schemaVersion": 7, "context": {"userId": "u1"}}`,
		"wrong shape":    `{"userId": "u1", "conversationHistory": "oops"}`,
	} {
		t.Run(name, func(t *testing.T) {
			store := newCountingStore()
			require.NoError(t, store.Store.Save(context.Background(), "u1", []byte(record)))

			m, metrics := newTestManager(t, store, Options{})
			got := m.Get(context.Background(), "u1")

			assert.Equal(t, newContext("u1"), got)
			assert.Equal(t, 1.0, testutil.ToFloat64(metrics.ContextLoads.WithLabelValues(SourceRecoveredCorrupt)))
			assert.Equal(t, 0.0, testutil.ToFloat64(metrics.ContextLoads.WithLabelValues(SourceNew)))
		})
	}
}

func TestGetStartsFreshOnLoadError(t *testing.T) {
	store := newCountingStore()
	store.loadErr = errors.New("disk on fire")
	m, metrics := newTestManager(t, store, Options{})

	got := m.Get(context.Background(), "u1")
	assert.Equal(t, newContext("u1"), got)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.ContextLoads.WithLabelValues(SourceLoadError)))
}

func TestUpdateSwallowsPersistFailure(t *testing.T) {
	store := newCountingStore()
	store.saveErr = errors.New("read-only filesystem")
	m, metrics := newTestManager(t, store, Options{})

	got := m.Update(context.Background(), "u1", Delta{Message: "hi"})
	require.Len(t, got.ConversationHistory, 1)
	assert.Len(t, m.Get(context.Background(), "u1").ConversationHistory, 1, "cache still reflects the update")
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.PersistFailures))
}

func TestConcurrentFirstAccessLoadsOnce(t *testing.T) {
	store := newCountingStore()
	store.loadDelay = 20 * time.Millisecond
	m, _ := newTestManager(t, store, Options{})

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Get(context.Background(), "u1")
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, store.loads.Load())
	assert.Equal(t, 1, m.CachedCount())
}

func TestConcurrentUpdatesAreNotLost(t *testing.T) {
	m, _ := newTestManager(t, newCountingStore(), Options{MaxHistory: 100})
	const writers = 40

	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m.Update(context.Background(), "u1", Delta{Message: fmt.Sprintf("m%d", i)})
		}(i)
	}
	wg.Wait()

	got := m.Get(context.Background(), "u1")
	assert.Len(t, got.ConversationHistory, writers)
}

func TestEvictIdleDropsOnlyCacheEntries(t *testing.T) {
	store := newCountingStore()
	clock := &fakeClock{now: time.Date(2025, 3, 15, 9, 0, 0, 0, time.UTC)}
	m, metrics := newTestManager(t, store, Options{IdleTTL: 10 * time.Minute, Now: clock.Now})
	ctx := context.Background()

	m.Update(ctx, "idle", Delta{Message: "hello"})
	clock.Advance(8 * time.Minute)
	m.Get(ctx, "busy")
	clock.Advance(3 * time.Minute)

	assert.Equal(t, 1, m.evictIdle())
	assert.Equal(t, 1, m.CachedCount())
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.CachedContexts))

	got := m.Get(ctx, "idle")
	require.Len(t, got.ConversationHistory, 1, "evicted context reloads from the store")
	assert.Equal(t, 2, m.CachedCount())
}

func TestStartJanitorEvicts(t *testing.T) {
	m, _ := newTestManager(t, newCountingStore(), Options{IdleTTL: 5 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m.Get(ctx, "u1")
	m.StartJanitor(ctx, 5*time.Millisecond)

	assert.Eventually(t, func() bool { return m.CachedCount() == 0 }, time.Second, 5*time.Millisecond)
}

func TestStartJanitorDisabledWithoutTTL(t *testing.T) {
	m, _ := newTestManager(t, newCountingStore(), Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m.Get(ctx, "u1")
	m.StartJanitor(ctx, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, m.CachedCount())
}
