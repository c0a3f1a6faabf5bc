package loadmanager

import (
	"sort"
	"time"

	"github.com/llmlb/llmlb/internal/domain/history"
	"github.com/llmlb/llmlb/internal/domain/loadstate"
)

// ReseedHistory rebuilds each endpoint's per-minute history ring from
// persisted request-history records on process restart (spec §4.4: "On
// restart, seed from request history by aggregating completed records'
// timestamps truncated to the minute"). records need not be sorted or
// pre-grouped by endpoint — ReseedHistory aggregates both internally. Only
// the most recent loadstate.HistoryBucketCap minutes per endpoint survive,
// matching the live ring's own retention.
//
// This reaches directly into Manager.states rather than going through
// State() (which returns a defensive copy), since it must install the
// aggregated buckets into the live state each endpoint's running requests
// will keep mutating.
func (m *Manager) ReseedHistory(records []history.Record) {
	byEndpoint := make(map[string]map[int64]*loadstate.MinuteBucket)

	for _, r := range records {
		minuteStart := r.CreatedAt.Truncate(time.Minute)
		buckets, ok := byEndpoint[r.EndpointID]
		if !ok {
			buckets = make(map[int64]*loadstate.MinuteBucket)
			byEndpoint[r.EndpointID] = buckets
		}
		key := minuteStart.Unix()
		b, ok := buckets[key]
		if !ok {
			b = &loadstate.MinuteBucket{MinuteStart: minuteStart}
			buckets[key] = b
		}
		b.RequestCount++
		if !r.Success {
			b.ErrorCount++
		}
		b.SumLatencyMs += r.LatencyMs
	}

	for endpointID, buckets := range byEndpoint {
		ordered := make([]loadstate.MinuteBucket, 0, len(buckets))
		for _, b := range buckets {
			ordered = append(ordered, *b)
		}
		sort.Slice(ordered, func(i, j int) bool {
			return ordered[i].MinuteStart.Before(ordered[j].MinuteStart)
		})
		if len(ordered) > loadstate.HistoryBucketCap {
			ordered = ordered[len(ordered)-loadstate.HistoryBucketCap:]
		}

		s := m.stateFor(endpointID)
		m.statesMu.Lock()
		s.History = ordered
		m.statesMu.Unlock()
	}
}
