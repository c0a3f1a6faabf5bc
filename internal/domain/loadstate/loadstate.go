// Package loadstate defines the per-endpoint live load tracking model used
// by the load manager (C5) for admission control and endpoint ranking.
package loadstate

import "time"

// MetricsSampleCap is the maximum number of retained metrics samples per
// endpoint (spec §4.4/§5: bounded deque, 360 samples).
const MetricsSampleCap = 360

// HistoryBucketCap is the number of per-minute history buckets retained
// (spec §4.4: 60 buckets, i.e. one hour).
const HistoryBucketCap = 60

// Sample is one point-in-time load observation for an endpoint.
type Sample struct {
	Timestamp      time.Time `json:"timestamp"`
	SelfReported   int       `json:"self_reported_active"`
	AssignedActive int       `json:"assigned_active"`
	LatencyMs      int64     `json:"latency_ms"`
}

// CombinedActive returns max(self_reported_active, assigned_active) — the
// two counters are never summed (spec invariant).
func (s Sample) CombinedActive() int {
	if s.SelfReported > s.AssignedActive {
		return s.SelfReported
	}
	return s.AssignedActive
}

// Totals holds cumulative request accounting for an endpoint.
type Totals struct {
	Assigned int64 `json:"assigned"`
	Success  int64 `json:"success"`
	Error    int64 `json:"error"`
}

// TokenTotals holds cumulative token accounting for an endpoint.
type TokenTotals struct {
	Input  int64 `json:"input"`
	Output int64 `json:"output"`
	Total  int64 `json:"total"`
}

// MinuteBucket is one per-minute aggregate in the rolling history window.
type MinuteBucket struct {
	MinuteStart  time.Time `json:"minute_start"`
	RequestCount int64     `json:"request_count"`
	ErrorCount   int64     `json:"error_count"`
	SumLatencyMs int64     `json:"sum_latency_ms"`
}

// ReadyModels pairs the last-known ready/total model counts an endpoint
// reported (used by dashboard summaries).
type ReadyModels struct {
	Ready int `json:"ready"`
	Total int `json:"total"`
}

// State is the live, in-memory load state for a single endpoint. It is
// mutated under the load manager's single state-map lock and must
// never be held across a network await (spec §5 concurrency discipline).
type State struct {
	EndpointID     string
	Initializing   bool
	AssignedActive int
	LastSample     *Sample
	Samples        []Sample // bounded to MetricsSampleCap, oldest evicted first
	SumLatencyMs   int64
	Totals         Totals
	Tokens         TokenTotals
	History        []MinuteBucket // bounded to HistoryBucketCap
	Ready          ReadyModels
}

// NewState constructs a fresh, initializing load state for an endpoint.
func NewState(endpointID string) *State {
	return &State{
		EndpointID:   endpointID,
		Initializing: true,
	}
}

// BeginRequest increments the assigned-active counter and cumulative
// assigned total. Must be paired with a later FinishRequest.
func (s *State) BeginRequest() {
	s.AssignedActive++
	s.Totals.Assigned++
}

// FinishRequest decrements the assigned-active counter (floored at zero) and
// records the outcome and latency sample.
func (s *State) FinishRequest(success bool, latencyMs int64, selfReportedActive int, now time.Time) {
	if s.AssignedActive > 0 {
		s.AssignedActive--
	}
	if success {
		s.Totals.Success++
	} else {
		s.Totals.Error++
	}
	s.SumLatencyMs += latencyMs

	sample := Sample{
		Timestamp:      now,
		SelfReported:   selfReportedActive,
		AssignedActive: s.AssignedActive,
		LatencyMs:      latencyMs,
	}
	s.LastSample = &sample
	s.pushSample(sample)
	s.Initializing = false
}

// pushSample appends a sample, evicting the oldest once the cap is reached.
func (s *State) pushSample(sample Sample) {
	s.Samples = append(s.Samples, sample)
	if len(s.Samples) > MetricsSampleCap {
		s.Samples = s.Samples[len(s.Samples)-MetricsSampleCap:]
	}
}

// RecordTokens adds to the cumulative token totals for the endpoint.
func (s *State) RecordTokens(input, output int64) {
	s.Tokens.Input += input
	s.Tokens.Output += output
	s.Tokens.Total += input + output
}

// AverageLatencyMs returns the mean latency across retained samples, or
// (0, false) if no samples have been recorded yet.
func (s *State) AverageLatencyMs() (float64, bool) {
	if len(s.Samples) == 0 {
		return 0, false
	}
	var sum int64
	for _, sm := range s.Samples {
		sum += sm.LatencyMs
	}
	return float64(sum) / float64(len(s.Samples)), true
}

// CombinedActive returns the endpoint's combined active-request count: the
// max of the last self-reported sample and the assigned-active counter.
func (s *State) CombinedActive() int {
	reported := 0
	if s.LastSample != nil {
		reported = s.LastSample.SelfReported
	}
	if reported > s.AssignedActive {
		return reported
	}
	return s.AssignedActive
}

// RecordMinuteBucket appends (or merges into the latest) per-minute bucket,
// evicting the oldest once HistoryBucketCap is exceeded.
func (s *State) RecordMinuteBucket(minuteStart time.Time, success bool, latencyMs int64) {
	if n := len(s.History); n > 0 && s.History[n-1].MinuteStart.Equal(minuteStart) {
		b := &s.History[n-1]
		b.RequestCount++
		if !success {
			b.ErrorCount++
		}
		b.SumLatencyMs += latencyMs
		return
	}
	b := MinuteBucket{MinuteStart: minuteStart, RequestCount: 1, SumLatencyMs: latencyMs}
	if !success {
		b.ErrorCount = 1
	}
	s.History = append(s.History, b)
	if len(s.History) > HistoryBucketCap {
		s.History = s.History[len(s.History)-HistoryBucketCap:]
	}
}
