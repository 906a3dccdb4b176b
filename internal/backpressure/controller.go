// Package backpressure turns playback and synthesis telemetry into
// segmentation parameter recommendations.
package backpressure

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	criticalBufferMS     = 40
	lowBufferMS          = 80
	highBufferMS         = 1500
	underrunLimit        = 2
	underrunWindow       = time.Minute
	synthSampleWindow    = 20
	assumedPlayingBuffer = 500

	criticalLookahead = 3
	criticalBudget    = 6
	criticalTimeMS    = 100

	minLookahead   = 3
	minBudget      = 8
	minTimeMS      = 150
	maxLookahead   = 6
	maxBudget      = 24
	maxQueueBudget = 20
)

// ServerQueueLimit is the synthesis queue length above which the controller
// asks callers to throttle emission.
const ServerQueueLimit = 5

// Metrics is the telemetry the controller has accumulated for one session.
type Metrics struct {
	EstimatedClientBufferMS int       `json:"estimated_client_buffer_ms"`
	ServerTTSQueueLength    int       `json:"server_tts_queue_length"`
	UnderrunsInLastMinute   int       `json:"underruns_in_last_minute"`
	AvgChunkSynthTimeMS     float64   `json:"avg_chunk_synth_time_ms"`
	LastBufferUpdate        time.Time `json:"last_buffer_update"`
}

// Baseline is the un-adjusted configuration every calculation starts from.
type Baseline struct {
	LookaheadTokens  int
	ChunkTokenBudget int
	TimeBudgetMS     int
}

// Adjustment is a recommended configuration. Reason names the rule that
// fired together with the values that triggered it.
type Adjustment struct {
	LookaheadTokens  int    `json:"lookahead_tokens"`
	ChunkTokenBudget int    `json:"chunk_token_budget"`
	TimeBudgetMS     int    `json:"time_budget_ms"`
	ShouldThrottle   bool   `json:"should_throttle"`
	Reason           string `json:"reason"`
}

// Controller records telemetry for one streaming session.
type Controller struct {
	mu        sync.RWMutex
	clock     func() time.Time
	metrics   Metrics
	underruns []time.Time
	samples   []int

	attrs        []attribute.KeyValue
	registration metric.Registration
}

// Option customizes a Controller.
type Option func(*Controller)

// WithClock replaces time.Now for telemetry timestamps.
func WithClock(clock func() time.Time) Option {
	return func(c *Controller) { c.clock = clock }
}

// WithAttributes labels the controller's gauges, typically with a session id.
func WithAttributes(attrs ...attribute.KeyValue) Option {
	return func(c *Controller) { c.attrs = append(c.attrs, attrs...) }
}

// New creates a controller with empty metrics.
func New(opts ...Option) *Controller {
	c := &Controller{clock: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	c.registration = c.observe()
	return c
}

// UpdateClientBuffer records the client's buffered audio and appends
// underrun events. Underruns count for one minute; every read of the
// underrun count prunes older ones.
func (c *Controller) UpdateClientBuffer(bufferedMS, underruns int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock()
	c.metrics.EstimatedClientBufferMS = max(bufferedMS, 0)
	c.metrics.LastBufferUpdate = now
	for i := 0; i < underruns; i++ {
		c.underruns = append(c.underruns, now)
	}
	c.pruneLocked(now)
}

// UpdateServerQueue records how many chunks await synthesis.
func (c *Controller) UpdateServerQueue(queueLength int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics.ServerTTSQueueLength = max(queueLength, 0)
}

// RecordSynthTime adds one synthesis duration to the rolling window of the
// last 20 samples.
func (c *Controller) RecordSynthTime(ms int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.samples = append(c.samples, max(ms, 0))
	if len(c.samples) > synthSampleWindow {
		c.samples = c.samples[len(c.samples)-synthSampleWindow:]
	}
	sum := 0
	for _, s := range c.samples {
		sum += s
	}
	c.metrics.AvgChunkSynthTimeMS = float64(sum) / float64(len(c.samples))
}

// CalculateAdjustments derives parameters from the current metrics and
// base. It never looks at earlier adjustments, so repeated calls with the
// same inputs give the same answer.
func (c *Controller) CalculateAdjustments(base Baseline) Adjustment {
	return calculate(c.Metrics(), base)
}

func calculate(m Metrics, base Baseline) Adjustment {
	buf := m.EstimatedClientBufferMS
	switch {
	case buf < criticalBufferMS:
		return Adjustment{
			LookaheadTokens:  criticalLookahead,
			ChunkTokenBudget: criticalBudget,
			TimeBudgetMS:     criticalTimeMS,
			Reason:           fmt.Sprintf("critical_low_buffer_%dms", buf),
		}
	case buf < lowBufferMS || m.UnderrunsInLastMinute >= underrunLimit:
		return Adjustment{
			LookaheadTokens:  max(base.LookaheadTokens-1, minLookahead),
			ChunkTokenBudget: max(base.ChunkTokenBudget-4, minBudget),
			TimeBudgetMS:     max(base.TimeBudgetMS-50, minTimeMS),
			Reason:           fmt.Sprintf("low_buffer_%dms_underruns_%d", buf, m.UnderrunsInLastMinute),
		}
	case buf > highBufferMS:
		return Adjustment{
			LookaheadTokens:  min(base.LookaheadTokens+2, maxLookahead),
			ChunkTokenBudget: min(base.ChunkTokenBudget+8, maxBudget),
			TimeBudgetMS:     base.TimeBudgetMS + 100,
			Reason:           fmt.Sprintf("high_buffer_%dms", buf),
		}
	case m.ServerTTSQueueLength > ServerQueueLimit:
		return Adjustment{
			LookaheadTokens:  base.LookaheadTokens,
			ChunkTokenBudget: min(base.ChunkTokenBudget+4, maxQueueBudget),
			TimeBudgetMS:     base.TimeBudgetMS + 50,
			ShouldThrottle:   true,
			Reason:           fmt.Sprintf("high_server_queue_%d", m.ServerTTSQueueLength),
		}
	default:
		return Adjustment{
			LookaheadTokens:  base.LookaheadTokens,
			ChunkTokenBudget: base.ChunkTokenBudget,
			TimeBudgetMS:     base.TimeBudgetMS,
			Reason:           "steady_state",
		}
	}
}

// EstimateClientBuffer guesses the client buffer from the synthesis queue
// when client telemetry is missing: queued chunks times average synthesis
// time, less the 500ms assumed to be already playing, floored at zero.
func (c *Controller) EstimateClientBuffer() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.estimateLocked()
}

func (c *Controller) estimateLocked() int {
	est := int(float64(c.metrics.ServerTTSQueueLength)*c.metrics.AvgChunkSynthTimeMS) - assumedPlayingBuffer
	return max(est, 0)
}

// Stale reports whether client telemetry is missing or older than maxAge.
func (c *Controller) Stale(maxAge time.Duration) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.metrics.LastBufferUpdate.IsZero() {
		return true
	}
	return c.clock().Sub(c.metrics.LastBufferUpdate) > maxAge
}

// UseEstimatedBuffer replaces the client buffer with EstimateClientBuffer
// without refreshing the telemetry timestamp.
func (c *Controller) UseEstimatedBuffer() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	est := c.estimateLocked()
	c.metrics.EstimatedClientBufferMS = est
	return est
}

// IsUnderStress reports low buffer, repeated underruns or a saturated
// synthesis queue.
func (c *Controller) IsUnderStress() bool {
	m := c.Metrics()
	return m.EstimatedClientBufferMS < lowBufferMS ||
		m.UnderrunsInLastMinute >= underrunLimit ||
		m.ServerTTSQueueLength > ServerQueueLimit
}

// HasExcessCapacity reports a deep client buffer with no recent underruns
// and an almost idle synthesis queue.
func (c *Controller) HasExcessCapacity() bool {
	m := c.Metrics()
	return m.EstimatedClientBufferMS > highBufferMS &&
		m.UnderrunsInLastMinute == 0 &&
		m.ServerTTSQueueLength <= 1
}

// Metrics returns a copy of the current metrics with the underrun window
// brought up to date.
func (c *Controller) Metrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked(c.clock())
	return c.metrics
}

// Reset clears all telemetry for the next session.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics = Metrics{}
	c.underruns = nil
	c.samples = nil
}

// Cleanup resets the controller and detaches its metric callbacks.
func (c *Controller) Cleanup() {
	c.Reset()
	c.mu.Lock()
	reg := c.registration
	c.registration = nil
	c.mu.Unlock()
	if reg != nil {
		_ = reg.Unregister()
	}
}

func (c *Controller) pruneLocked(now time.Time) {
	cutoff := now.Add(-underrunWindow)
	kept := c.underruns[:0]
	for _, ts := range c.underruns {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	c.underruns = kept
	c.metrics.UnderrunsInLastMinute = len(kept)
}

func (c *Controller) observe() metric.Registration {
	meter := otel.Meter("github.com/loqalabs/loqa-voice/backpressure")
	buffer, err := meter.Int64ObservableGauge("loqa.backpressure.client_buffer_ms",
		metric.WithDescription("Estimated client playback buffer"), metric.WithUnit("ms"))
	if err != nil {
		return nil
	}
	queue, err := meter.Int64ObservableGauge("loqa.backpressure.server_queue_length",
		metric.WithDescription("Chunks awaiting synthesis"))
	if err != nil {
		return nil
	}
	underruns, err := meter.Int64ObservableGauge("loqa.backpressure.underruns_last_minute",
		metric.WithDescription("Playback underruns in the last minute"))
	if err != nil {
		return nil
	}
	synth, err := meter.Float64ObservableGauge("loqa.backpressure.avg_synth_ms",
		metric.WithDescription("Rolling average synthesis time per chunk"), metric.WithUnit("ms"))
	if err != nil {
		return nil
	}
	reg, err := meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		m := c.Metrics()
		attrs := metric.WithAttributes(c.attrs...)
		obs.ObserveInt64(buffer, int64(m.EstimatedClientBufferMS), attrs)
		obs.ObserveInt64(queue, int64(m.ServerTTSQueueLength), attrs)
		obs.ObserveInt64(underruns, int64(m.UnderrunsInLastMinute), attrs)
		obs.ObserveFloat64(synth, m.AvgChunkSynthTimeMS, attrs)
		return nil
	}, buffer, queue, underruns, synth)
	if err != nil {
		return nil
	}
	return reg
}
