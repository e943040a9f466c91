package observability

import (
	"math"
	"slices"
	"strings"
	"sync"
	"time"
)

// Pipeline stage names.
const (
	StageContextLoad   = "context_load"
	StageClassify      = "classify"
	StagePostprocess   = "postprocess"
	StageContextUpdate = "context_update"
	StageTurnTotal     = "turn_total"
)

// stageTargets are the p95 budgets in milliseconds reported next to each stage.
var stageTargets = map[string]float64{
	StageContextLoad:   50,
	StageClassify:      4000,
	StagePostprocess:   5,
	StageContextUpdate: 100,
	StageTurnTotal:     4500,
}

type StageStats struct {
	Stage       string  `json:"stage"`
	Samples     int     `json:"samples"`
	LastMS      float64 `json:"last_ms"`
	AvgMS       float64 `json:"avg_ms"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	P99MS       float64 `json:"p99_ms"`
	TargetP95MS float64 `json:"target_p95_ms,omitempty"`
}

// StageEvent counts a notable pipeline event such as a recovered record.
type StageEvent struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type StageSnapshot struct {
	GeneratedAt time.Time    `json:"generated_at"`
	WindowSize  int          `json:"window_size"`
	Stages      []StageStats `json:"stages"`
	Indicators  []StageEvent `json:"indicators,omitempty"`
}

// stageWindow keeps the last size samples per stage in a ring.
type stageWindow struct {
	mu     sync.Mutex
	size   int
	rings  map[string]*sampleRing
	events map[string]int
}

type sampleRing struct {
	samples []float64
	pos     int
	last    float64
}

func newStageWindow(size int) *stageWindow {
	if size <= 0 {
		size = 256
	}
	return &stageWindow{
		size:   size,
		rings:  make(map[string]*sampleRing),
		events: make(map[string]int),
	}
}

func (r *sampleRing) add(v float64, size int) {
	r.last = v
	if len(r.samples) < size {
		r.samples = append(r.samples, v)
		return
	}
	r.samples[r.pos] = v
	r.pos = (r.pos + 1) % size
}

func (w *stageWindow) observe(stage string, ms float64) {
	if stage == "" || ms < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	r := w.rings[stage]
	if r == nil {
		r = &sampleRing{samples: make([]float64, 0, w.size)}
		w.rings[stage] = r
	}
	r.add(ms, w.size)
}

func (w *stageWindow) count(name string) {
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	w.mu.Lock()
	w.events[name]++
	w.mu.Unlock()
}

func (w *stageWindow) snapshot(now time.Time) StageSnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := StageSnapshot{
		GeneratedAt: now.UTC(),
		WindowSize:  w.size,
		Stages:      make([]StageStats, 0, len(w.rings)),
	}
	for _, stage := range sortedKeys(w.rings) {
		r := w.rings[stage]
		if len(r.samples) == 0 {
			continue
		}
		sorted := slices.Clone(r.samples)
		slices.Sort(sorted)
		var sum float64
		for _, v := range sorted {
			sum += v
		}
		out.Stages = append(out.Stages, StageStats{
			Stage:       stage,
			Samples:     len(sorted),
			LastMS:      round2(r.last),
			AvgMS:       round2(sum / float64(len(sorted))),
			P50MS:       round2(percentile(sorted, 0.50)),
			P95MS:       round2(percentile(sorted, 0.95)),
			P99MS:       round2(percentile(sorted, 0.99)),
			TargetP95MS: stageTargets[stage],
		})
	}
	for _, name := range sortedKeys(w.events) {
		out.Indicators = append(out.Indicators, StageEvent{Name: name, Count: w.events[name]})
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// percentile interpolates linearly between the closest ranks of sorted.
func percentile(sorted []float64, q float64) float64 {
	switch {
	case len(sorted) == 0:
		return 0
	case q <= 0:
		return sorted[0]
	case q >= 1:
		return sorted[len(sorted)-1]
	}
	rank := q * float64(len(sorted)-1)
	lo := int(rank)
	if lo+1 >= len(sorted) {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo] + (sorted[lo+1]-sorted[lo])*frac
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
