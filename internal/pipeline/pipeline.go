// Package pipeline runs one user message through classification, entity
// cleanup, cycle inference and the context update.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/antoniostano/cyclenlu/internal/domain"
	"github.com/antoniostano/cyclenlu/internal/llm"
	"github.com/antoniostano/cyclenlu/internal/observability"
	"github.com/antoniostano/cyclenlu/internal/policy"
	"github.com/antoniostano/cyclenlu/internal/usercontext"
)

const (
	DefaultClassifyTimeout = 20 * time.Second
	historyForClassifier   = 3
	logPreviewRunes        = 80
)

// ContextStore is the subset of usercontext.Manager the pipeline needs.
type ContextStore interface {
	Get(ctx context.Context, userID string) usercontext.UserContext
	Update(ctx context.Context, userID string, d usercontext.Delta) usercontext.UserContext
}

// Response is returned to the caller for every processed message.
type Response struct {
	Intent           domain.Intent            `json:"intent"`
	Entities         domain.ProcessedEntities `json:"entities"`
	CycleData        *domain.CycleData        `json:"cycleData"`
	ContextAwareness ContextAwareness         `json:"contextAwareness"`
}

// ContextAwareness reports the user's state as it was before this message.
type ContextAwareness struct {
	CurrentCyclePhase domain.Phase
	LastPeriodStart   *time.Time
}

// MarshalJSON always writes both keys, with null for an unset value.
func (a ContextAwareness) MarshalJSON() ([]byte, error) {
	out := struct {
		CurrentCyclePhase *domain.Phase `json:"currentCyclePhase"`
		LastPeriodStart   *time.Time    `json:"lastPeriodStart"`
	}{LastPeriodStart: a.LastPeriodStart}
	if a.CurrentCyclePhase != "" {
		out.CurrentCyclePhase = &a.CurrentCyclePhase
	}
	return json.Marshal(out)
}

func (a *ContextAwareness) UnmarshalJSON(data []byte) error {
	var in struct {
		CurrentCyclePhase *domain.Phase `json:"currentCyclePhase"`
		LastPeriodStart   *time.Time    `json:"lastPeriodStart"`
	}
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*a = ContextAwareness{LastPeriodStart: in.LastPeriodStart}
	if in.CurrentCyclePhase != nil {
		a.CurrentCyclePhase = *in.CurrentCyclePhase
	}
	return nil
}

type Options struct {
	ClassifyTimeout time.Duration
	Now             func() time.Time
}

type Pipeline struct {
	contexts   ContextStore
	classifier llm.Classifier
	logger     *slog.Logger
	metrics    *observability.Metrics
	opts       Options
}

func New(contexts ContextStore, classifier llm.Classifier, logger *slog.Logger, metrics *observability.Metrics, opts Options) *Pipeline {
	if opts.ClassifyTimeout <= 0 {
		opts.ClassifyTimeout = DefaultClassifyTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		contexts:   contexts,
		classifier: classifier,
		logger:     logger.With("component", "pipeline"),
		metrics:    metrics,
		opts:       opts,
	}
}

// ProcessInput classifies message for userID and folds the result into the
// user's context. A classifier failure is returned and leaves the context
// untouched.
func (p *Pipeline) ProcessInput(ctx context.Context, userID, message string) (Response, error) {
	started := time.Now()
	defer func() { p.metrics.ObserveStage(observability.StageTurnTotal, time.Since(started)) }()

	stage := time.Now()
	before := p.contexts.Get(ctx, userID)
	p.metrics.ObserveStage(observability.StageContextLoad, time.Since(stage))

	stage = time.Now()
	classifyCtx, cancel := context.WithTimeout(ctx, p.opts.ClassifyTimeout)
	result, err := p.classifier.Classify(classifyCtx, llm.Request{
		UserID:        userID,
		Message:       message,
		RecentHistory: before.RecentMessages(historyForClassifier),
	})
	cancel()
	elapsed := time.Since(stage)
	p.metrics.ObserveStage(observability.StageClassify, elapsed)
	p.metrics.ObserveClassifyLatency(elapsed)
	if err != nil {
		p.countOutcome("classify_error")
		p.metrics.ObserveIndicator("classify_failed")
		p.logger.Error("classify failed",
			"user_id", userID,
			"mode", p.classifier.Mode(),
			"message_preview", policy.LogPreview(message, logPreviewRunes),
			"duration", elapsed,
			"error", err,
		)
		return Response{}, fmt.Errorf("pipeline: classify: %w", err)
	}

	stage = time.Now()
	now := p.opts.Now()
	entities := domain.ProcessEntitiesAt(result.Entities, now)
	cycle := deriveCycleData(result.Intent, &entities, before, now)
	p.metrics.ObserveStage(observability.StagePostprocess, time.Since(stage))

	stage = time.Now()
	intent := result.Intent
	p.contexts.Update(ctx, userID, usercontext.Delta{
		Message:   message,
		Intent:    &intent,
		Entities:  &entities,
		CycleData: cycle,
		Symptoms:  entities.Symptoms,
	})
	p.metrics.ObserveStage(observability.StageContextUpdate, time.Since(stage))

	p.countOutcome("ok")
	p.logger.Info("processed message",
		"user_id", userID,
		"intent", result.Intent.Primary,
		"subtype", result.Intent.Subtype,
		"symptoms", len(entities.Symptoms),
		"message_preview", policy.LogPreview(message, logPreviewRunes),
		"duration", time.Since(started),
	)

	return Response{
		Intent:    result.Intent,
		Entities:  entities.Clone(),
		CycleData: cycle,
		ContextAwareness: ContextAwareness{
			CurrentCyclePhase: before.CurrentCyclePhase,
			LastPeriodStart:   before.LastPeriodStart,
		},
	}, nil
}

// deriveCycleData records a period start for period logging intents and,
// when a previous start is known, estimates today's phase from it. The phase
// is also written into entities when the classifier gave none.
func deriveCycleData(intent domain.Intent, entities *domain.ProcessedEntities, before usercontext.UserContext, now time.Time) *domain.CycleData {
	var cycle *domain.CycleData
	if start, ok := entities.FirstDate(); ok && intent.LogsPeriodStart() {
		cycle = &domain.CycleData{PeriodStart: &start}
	}

	if before.LastPeriodStart != nil {
		phase := domain.EstimatePhase(domain.DaysSince(*before.LastPeriodStart, now))
		if cycle == nil {
			cycle = &domain.CycleData{}
		}
		cycle.CyclePhase = phase

		if entities.Temporal == nil {
			entities.Temporal = &domain.ProcessedTemporal{}
		}
		if !entities.HasCyclePhase() {
			entities.Temporal.CyclePhase = string(phase)
		}
	}
	return cycle
}

func (p *Pipeline) countOutcome(outcome string) {
	if p.metrics != nil {
		p.metrics.PipelineRequests.WithLabelValues(outcome).Inc()
	}
}
