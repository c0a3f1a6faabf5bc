// Package tps tracks per-model tokens-per-second throughput using an
// exponential moving average (spec §4.4).
package tps

// EMAAlpha is the smoothing factor for the TPS exponential moving average:
// new_ema = EMAAlpha*current + (1-EMAAlpha)*previous.
const EMAAlpha = 0.2

// State is the accumulated TPS tracking state for one model.
type State struct {
	EMA               *float64 // nil until the first sample lands
	RequestCount      int64
	TotalOutputTokens int64
	TotalDurationMs   int64
}

// Update folds one completed request's output tokens and wall-clock duration
// into the EMA. Samples with durationMs == 0 are ignored — they would divide
// by zero and cannot yield a meaningful instantaneous rate.
func (s *State) Update(outputTokens int64, durationMs int64) {
	if durationMs == 0 {
		return
	}
	current := float64(outputTokens) / (float64(durationMs) / 1000.0)

	if s.EMA == nil {
		ema := current
		s.EMA = &ema
	} else {
		updated := EMAAlpha*current + (1-EMAAlpha)*(*s.EMA)
		s.EMA = &updated
	}

	s.RequestCount++
	s.TotalOutputTokens += outputTokens
	s.TotalDurationMs += durationMs
}

// Value returns the current EMA and whether any sample has been recorded.
func (s *State) Value() (float64, bool) {
	if s.EMA == nil {
		return 0, false
	}
	return *s.EMA, true
}

// AverageTps returns the lifetime average tokens/sec computed from the
// cumulative totals, independent of the EMA, or (0, false) if no duration
// has accumulated.
func (s *State) AverageTps() (float64, bool) {
	if s.TotalDurationMs == 0 {
		return 0, false
	}
	return float64(s.TotalOutputTokens) / (float64(s.TotalDurationMs) / 1000.0), true
}

// BenchmarkRunCap bounds the number of retained TPS benchmark runs
// (spec §4.4: "at most 200 retained runs").
const BenchmarkRunCap = 200

// BenchmarkRun is one recorded throughput benchmark invocation against a
// specific model on a specific endpoint.
type BenchmarkRun struct {
	EndpointID    string  `json:"endpoint_id"`
	ModelID       string  `json:"model_id"`
	OutputTokens  int64   `json:"output_tokens"`
	DurationMs    int64   `json:"duration_ms"`
	Tps           float64 `json:"tps"`
	RanAtUnixNano int64   `json:"ran_at_unix_nano"`
}

// AppendBenchmarkRun appends run to runs, evicting the oldest entry once
// BenchmarkRunCap is exceeded.
func AppendBenchmarkRun(runs []BenchmarkRun, run BenchmarkRun) []BenchmarkRun {
	runs = append(runs, run)
	if len(runs) > BenchmarkRunCap {
		runs = runs[len(runs)-BenchmarkRunCap:]
	}
	return runs
}
