package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antoniostano/cyclenlu/internal/domain"
	"github.com/antoniostano/cyclenlu/internal/llm"
	"github.com/antoniostano/cyclenlu/internal/memory"
	"github.com/antoniostano/cyclenlu/internal/observability"
	"github.com/antoniostano/cyclenlu/internal/reliability"
	"github.com/antoniostano/cyclenlu/internal/usercontext"
)

var testNow = time.Date(2025, time.March, 15, 12, 0, 0, 0, time.UTC)

type scriptedClassifier struct {
	reply string
	err   error
	last  llm.Request
	delay time.Duration
}

func (c *scriptedClassifier) Mode() string { return "scripted" }

func (c *scriptedClassifier) Classify(ctx context.Context, req llm.Request) (llm.Result, error) {
	c.last = req
	if c.delay > 0 {
		select {
		case <-ctx.Done():
			return llm.Result{}, ctx.Err()
		case <-time.After(c.delay):
		}
	}
	if c.err != nil {
		return llm.Result{}, c.err
	}
	return llm.ParseResult([]byte(c.reply))
}

type harness struct {
	store      memory.Store
	contexts   *usercontext.Manager
	classifier *scriptedClassifier
	metrics    *observability.Metrics
	pipeline   *Pipeline
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	h := &harness{
		store:      memory.NewInMemoryStore(),
		classifier: &scriptedClassifier{},
		metrics:    observability.NewMetricsWith(prometheus.NewRegistry(), "test"),
	}
	logger := observability.DiscardLogger()
	h.contexts = usercontext.NewManager(h.store, logger, h.metrics, usercontext.Options{
		Now: func() time.Time { return testNow },
	})
	if opts.Now == nil {
		opts.Now = func() time.Time { return testNow }
	}
	h.pipeline = New(h.contexts, h.classifier, logger, h.metrics, opts)
	return h
}

func reply(primary, subtype string, dates []string, symptoms []string) string {
	body, _ := json.Marshal(map[string]any{
		"intent": map[string]any{"primary": primary, "subtype": subtype, "confidence": 0.9},
		"entities": map[string]any{
			"temporal":        map[string]any{"dates": dates, "cycle_day": nil, "cycle_phase": nil, "duration": nil},
			"symptoms":        symptoms,
			"intensity":       "heavy",
			"mood":            nil,
			"body_area":       nil,
			"context_factors": []string{},
		},
	})
	return string(body)
}

func TestProcessInputPeriodStartEndToEnd(t *testing.T) {
	h := newHarness(t, Options{})
	yesterday := testNow.AddDate(0, 0, -1).Format("2006-01-02")
	h.classifier.reply = reply(domain.IntentCycleTracking, domain.SubtypePeriodStartLogging, []string{yesterday}, []string{"cramps"})

	res, err := h.pipeline.ProcessInput(context.Background(), "u1", "My period started yesterday with heavy flow and some cramps")
	require.NoError(t, err)

	want := time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC)
	require.NotNil(t, res.CycleData)
	require.NotNil(t, res.CycleData.PeriodStart)
	assert.True(t, res.CycleData.PeriodStart.Equal(want))
	assert.Empty(t, res.CycleData.CyclePhase, "no earlier period start, so no phase")
	assert.Equal(t, []domain.Symptom{{Name: "menstrual_cramps", Category: domain.CategoryPhysical}}, res.Entities.Symptoms)
	assert.JSONEq(t, `"heavy"`, string(res.Entities.Other["intensity"]))
	assert.Nil(t, res.ContextAwareness.LastPeriodStart)
	assert.Empty(t, res.ContextAwareness.CurrentCyclePhase)

	stored := h.contexts.Get(context.Background(), "u1")
	require.NotNil(t, stored.LastPeriodStart)
	assert.True(t, stored.LastPeriodStart.Equal(want))
	require.Len(t, stored.ConversationHistory, 1)
	assert.Equal(t, "menstrual_cramps", stored.RecentSymptoms[0].Name)

	raw, err := h.store.Load(context.Background(), "u1")
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"lastPeriodStart":"2025-03-14T00:00:00Z"`)

	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.PipelineRequests.WithLabelValues("ok")))
}

func TestProcessInputEstimatesPhaseFromEarlierStart(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	start := testNow.AddDate(0, 0, -10)
	h.contexts.Update(ctx, "u1", usercontext.Delta{CycleData: &domain.CycleData{PeriodStart: &start}})

	h.classifier.reply = reply(domain.IntentSymptomLogging, "symptom_report", []string{}, []string{"tired"})
	res, err := h.pipeline.ProcessInput(ctx, "u1", "so tired")
	require.NoError(t, err)

	require.NotNil(t, res.CycleData)
	assert.Nil(t, res.CycleData.PeriodStart)
	assert.Equal(t, domain.PhaseFollicular, res.CycleData.CyclePhase)
	assert.Equal(t, "follicular", res.Entities.Temporal.CyclePhase)
	require.NotNil(t, res.ContextAwareness.LastPeriodStart)
	assert.True(t, res.ContextAwareness.LastPeriodStart.Equal(start))
	assert.Empty(t, res.ContextAwareness.CurrentCyclePhase, "awareness reflects the state before this message")

	assert.Equal(t, domain.PhaseFollicular, h.contexts.Get(ctx, "u1").CurrentCyclePhase)
}

func TestProcessInputKeepsClassifierPhase(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	start := testNow.AddDate(0, 0, -20)
	h.contexts.Update(ctx, "u1", usercontext.Delta{CycleData: &domain.CycleData{PeriodStart: &start}})

	h.classifier.reply = `{"intent": {"primary": "health_query", "subtype": "q", "confidence": 0.7},
		"entities": {"temporal": {"dates": [], "cycle_phase": "ovulatory"}}}`
	res, err := h.pipeline.ProcessInput(ctx, "u1", "am I ovulating?")
	require.NoError(t, err)

	assert.Equal(t, "ovulatory", res.Entities.Temporal.CyclePhase)
	assert.Equal(t, domain.PhaseLuteal, res.CycleData.CyclePhase)
}

func TestProcessInputBackfillsPhaseWithoutTemporal(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	start := testNow.AddDate(0, 0, -2)
	h.contexts.Update(ctx, "u1", usercontext.Delta{CycleData: &domain.CycleData{PeriodStart: &start}})

	h.classifier.reply = `{"intent": {"primary": "health_query", "subtype": "q", "confidence": 0.7}, "entities": {}}`
	res, err := h.pipeline.ProcessInput(ctx, "u1", "hello")
	require.NoError(t, err)

	require.NotNil(t, res.Entities.Temporal)
	assert.Equal(t, "menstrual", res.Entities.Temporal.CyclePhase)
}

func TestProcessInputIgnoresDatesForOtherIntents(t *testing.T) {
	h := newHarness(t, Options{})
	h.classifier.reply = reply(domain.IntentSymptomLogging, "symptom_report", []string{"2025-03-10", "2999-01-01"}, []string{"headache"})

	res, err := h.pipeline.ProcessInput(context.Background(), "u1", "headache since the 10th")
	require.NoError(t, err)

	assert.Nil(t, res.CycleData)
	require.Len(t, res.Entities.Temporal.Dates, 1, "future date dropped")
	assert.Nil(t, h.contexts.Get(context.Background(), "u1").LastPeriodStart)

	body, err := json.Marshal(res)
	require.NoError(t, err)
	assert.Contains(t, string(body), `"cycleData":null`)
}

func TestResponseAlwaysCarriesAwarenessKeys(t *testing.T) {
	h := newHarness(t, Options{})
	h.classifier.reply = reply(domain.IntentHealthQuery, "q", nil, nil)

	res, err := h.pipeline.ProcessInput(context.Background(), "new-user", "is this normal?")
	require.NoError(t, err)
	body, err := json.Marshal(res)
	require.NoError(t, err)

	var decoded struct {
		ContextAwareness json.RawMessage `json:"contextAwareness"`
	}
	require.NoError(t, json.Unmarshal(body, &decoded))
	assert.JSONEq(t, `{"currentCyclePhase": null, "lastPeriodStart": null}`, string(decoded.ContextAwareness))

	start := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	aware := ContextAwareness{CurrentCyclePhase: domain.PhaseLuteal, LastPeriodStart: &start}
	data, err := json.Marshal(aware)
	require.NoError(t, err)
	assert.JSONEq(t, `{"currentCyclePhase": "luteal", "lastPeriodStart": "2025-03-01T00:00:00Z"}`, string(data))

	var back ContextAwareness
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, domain.PhaseLuteal, back.CurrentCyclePhase)
	require.NotNil(t, back.LastPeriodStart)
	assert.True(t, back.LastPeriodStart.Equal(start))
}

func TestProcessInputPassesRecentHistory(t *testing.T) {
	h := newHarness(t, Options{})
	h.classifier.reply = reply(domain.IntentHealthQuery, "q", nil, nil)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		_, err := h.pipeline.ProcessInput(ctx, "u1", fmt.Sprintf("m%d", i))
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"m2", "m3", "m4"}, h.classifier.last.RecentHistory)
	assert.Equal(t, "m5", h.classifier.last.Message)
	assert.Equal(t, "u1", h.classifier.last.UserID)
}

func TestProcessInputClassifierFailureLeavesContextUnchanged(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	h.classifier.reply = reply(domain.IntentSymptomLogging, "symptom_report", nil, []string{"sad"})
	_, err := h.pipeline.ProcessInput(ctx, "u1", "feeling sad")
	require.NoError(t, err)

	beforeCtx := h.contexts.Get(ctx, "u1")
	beforeRaw, err := h.store.Load(ctx, "u1")
	require.NoError(t, err)

	boom := errors.New("llm exploded")
	h.classifier.err = boom
	_, err = h.pipeline.ProcessInput(ctx, "u1", "my period started today")
	require.ErrorIs(t, err, boom)

	afterRaw, err := h.store.Load(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, string(beforeRaw), string(afterRaw))
	assert.Equal(t, beforeCtx, h.contexts.Get(ctx, "u1"))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.PipelineRequests.WithLabelValues("classify_error")))
}

func TestProcessInputMalformedReplyFails(t *testing.T) {
	h := newHarness(t, Options{})
	h.classifier.reply = `not json at all`

	_, err := h.pipeline.ProcessInput(context.Background(), "u1", "hi")
	require.ErrorIs(t, err, llm.ErrMalformedResult)
	assert.Empty(t, h.contexts.Get(context.Background(), "u1").ConversationHistory)
}

func TestProcessInputClassifyTimeout(t *testing.T) {
	h := newHarness(t, Options{ClassifyTimeout: 20 * time.Millisecond})
	h.classifier.delay = time.Second
	h.classifier.reply = reply(domain.IntentHealthQuery, "q", nil, nil)

	_, err := h.pipeline.ProcessInput(context.Background(), "u1", "hi")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, reliability.IsTransient(err))
}

func TestProcessInputRecordsStages(t *testing.T) {
	h := newHarness(t, Options{})
	h.classifier.reply = reply(domain.IntentHealthQuery, "q", nil, nil)
	_, err := h.pipeline.ProcessInput(context.Background(), "u1", "hi")
	require.NoError(t, err)

	seen := map[string]bool{}
	for _, s := range h.metrics.SnapshotStages().Stages {
		seen[s.Stage] = true
	}
	for _, stage := range []string{
		observability.StageContextLoad,
		observability.StageClassify,
		observability.StagePostprocess,
		observability.StageContextUpdate,
		observability.StageTurnTotal,
	} {
		assert.True(t, seen[stage], stage)
	}
}
