// Package monitor keeps a bounded history of dictation performance records
// and derives latency and outcome statistics from it.
package monitor

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/loqalabs/loqa-dictate/internal/errclass"
)

// Stage names a workflow stage.
type Stage string

const (
	StageCapture   Stage = "capture"
	StageRecognize Stage = "recognize"
	StageEnhance   Stage = "enhance"
	StageInsert    Stage = "insert"
)

// Stages lists the stages in pipeline order.
var Stages = []Stage{StageCapture, StageRecognize, StageEnhance, StageInsert}

// StageTiming is one stage's wall-clock span.
type StageTiming struct {
	Stage Stage     `json:"stage"`
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func (t StageTiming) Duration() time.Duration {
	if t.End.Before(t.Start) {
		return 0
	}
	return t.End.Sub(t.Start)
}

// Record describes one finished session.
type Record struct {
	SessionID           string        `json:"session_id"`
	Stages              []StageTiming `json:"stages"`
	Total               time.Duration `json:"total_ns"`
	State               string        `json:"state"`
	ErrorKind           errclass.Kind `json:"error_kind,omitempty"`
	RecognitionAttempts int           `json:"recognition_attempts"`
	EnhancementAttempts int           `json:"enhancement_attempts"`
	RecognitionCached   bool          `json:"recognition_cached"`
	EnhancementCached   bool          `json:"enhancement_cached"`
	Degraded            bool          `json:"degraded"`
	FinishedAt          time.Time     `json:"finished_at"`
}

// Latency summarizes a set of durations in milliseconds.
type Latency struct {
	Count    int     `json:"count"`
	MedianMS float64 `json:"median_ms"`
	P95MS    float64 `json:"p95_ms"`
}

// Stats is an aggregate view over the records currently retained.
type Stats struct {
	Sessions    int               `json:"sessions"`
	SuccessRate float64           `json:"success_rate"`
	States      map[string]int    `json:"states"`
	Total       Latency           `json:"total"`
	Stages      map[Stage]Latency `json:"stages"`
	CacheHits   int               `json:"cache_hits"`
	Degraded    int               `json:"degraded"`
}

// Monitor is a fixed-size ring of records. Appends are O(1); statistics are
// computed on demand.
type Monitor struct {
	log *slog.Logger

	mu    sync.Mutex
	ring  []Record
	next  int
	count int

	meter    metric.Meter
	total    metric.Float64Histogram
	stage    metric.Float64Histogram
	outcomes metric.Int64Counter
	attempts metric.Int64Counter
}

// New returns a monitor retaining up to capacity records. Instruments are
// registered on the global meter provider.
func New(capacity int, log *slog.Logger) *Monitor {
	if capacity <= 0 {
		capacity = 512
	}
	m := &Monitor{
		log:   log.With(slog.String("component", "monitor")),
		ring:  make([]Record, capacity),
		meter: otel.Meter("github.com/loqalabs/loqa-dictate/workflow"),
	}
	if err := m.initMetrics(); err != nil {
		m.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return m
}

func (m *Monitor) initMetrics() error {
	var err error
	m.total, err = m.meter.Float64Histogram("loqa.dictation.duration",
		metric.WithDescription("End-to-end dictation latency"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}
	m.stage, err = m.meter.Float64Histogram("loqa.dictation.stage.duration",
		metric.WithDescription("Per-stage dictation latency"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}
	m.outcomes, err = m.meter.Int64Counter("loqa.dictation.sessions",
		metric.WithDescription("Finished dictation sessions by terminal state"))
	if err != nil {
		return err
	}
	m.attempts, err = m.meter.Int64Counter("loqa.dictation.attempts",
		metric.WithDescription("External recognition and enhancement attempts"))
	if err != nil {
		return err
	}
	retained, err := m.meter.Int64ObservableGauge("loqa.dictation.records",
		metric.WithDescription("Performance records currently retained"))
	if err != nil {
		return err
	}
	_, err = m.meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		obs.ObserveInt64(retained, int64(m.Len()))
		return nil
	}, retained)
	return err
}

// Record appends r, overwriting the oldest record when full.
func (m *Monitor) Record(ctx context.Context, r Record) {
	m.mu.Lock()
	m.ring[m.next] = r
	m.next = (m.next + 1) % len(m.ring)
	if m.count < len(m.ring) {
		m.count++
	}
	m.mu.Unlock()

	outcome := metric.WithAttributes(
		attribute.String("state", r.State),
		attribute.String("error_kind", string(r.ErrorKind)),
	)
	if m.outcomes != nil {
		m.outcomes.Add(ctx, 1, outcome)
	}
	if m.total != nil {
		m.total.Record(ctx, millis(r.Total), metric.WithAttributes(attribute.String("state", r.State)))
	}
	if m.stage != nil {
		for _, st := range r.Stages {
			m.stage.Record(ctx, millis(st.Duration()), metric.WithAttributes(attribute.String("stage", string(st.Stage))))
		}
	}
	if m.attempts != nil {
		if r.RecognitionAttempts > 0 {
			m.attempts.Add(ctx, int64(r.RecognitionAttempts), metric.WithAttributes(attribute.String("stage", string(StageRecognize))))
		}
		if r.EnhancementAttempts > 0 {
			m.attempts.Add(ctx, int64(r.EnhancementAttempts), metric.WithAttributes(attribute.String("stage", string(StageEnhance))))
		}
	}
}

// Len returns the number of retained records.
func (m *Monitor) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.count
}

// Recent returns up to n records, newest first. n <= 0 returns all.
func (m *Monitor) Recent(n int) []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n <= 0 || n > m.count {
		n = m.count
	}
	out := make([]Record, 0, n)
	for i := 1; i <= n; i++ {
		idx := (m.next - i + len(m.ring)) % len(m.ring)
		out = append(out, m.ring[idx])
	}
	return out
}

// Stats aggregates the retained records.
func (m *Monitor) Stats() Stats {
	records := m.Recent(0)

	stats := Stats{
		Sessions: len(records),
		States:   make(map[string]int),
		Stages:   make(map[Stage]Latency),
	}
	if len(records) == 0 {
		return stats
	}

	var (
		totals    = make([]float64, 0, len(records))
		perStage  = make(map[Stage][]float64)
		completed int
	)
	for _, r := range records {
		stats.States[r.State]++
		if r.State == "completed" {
			completed++
		}
		if r.RecognitionCached || r.EnhancementCached {
			stats.CacheHits++
		}
		if r.Degraded {
			stats.Degraded++
		}
		totals = append(totals, millis(r.Total))
		for _, st := range r.Stages {
			perStage[st.Stage] = append(perStage[st.Stage], millis(st.Duration()))
		}
	}
	stats.SuccessRate = float64(completed) / float64(len(records))
	stats.Total = summarize(totals)
	for stage, values := range perStage {
		stats.Stages[stage] = summarize(values)
	}
	return stats
}

func summarize(values []float64) Latency {
	if len(values) == 0 {
		return Latency{}
	}
	slices.Sort(values)
	return Latency{
		Count:    len(values),
		MedianMS: percentile(values, 0.5),
		P95MS:    percentile(values, 0.95),
	}
}

// percentile uses linear interpolation between closest ranks. values must be
// sorted.
func percentile(values []float64, p float64) float64 {
	if len(values) == 1 {
		return values[0]
	}
	rank := p * float64(len(values)-1)
	lo := int(rank)
	if lo >= len(values)-1 {
		return values[len(values)-1]
	}
	frac := rank - float64(lo)
	return values[lo] + frac*(values[lo+1]-values[lo])
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
