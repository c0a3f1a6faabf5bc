// Package history defines the request-history and daily-statistics domain
// model (C8): per-request records, their filtering/pagination inputs, and
// the per-day aggregate rollups derived from them.
package history

import "time"

// Record is one completed (or failed) proxied request, retained for
// History.RetentionDays (spec default 7 days).
type Record struct {
	ID             string    `json:"id"`
	EndpointID     string    `json:"endpoint_id"`
	EndpointName   string    `json:"endpoint_name"`
	Model          string    `json:"model"`
	APIKind        string    `json:"api_kind"`
	Success        bool      `json:"success"`
	StatusCode     int       `json:"status_code"`
	InputTokens    int64     `json:"input_tokens"`
	OutputTokens   int64     `json:"output_tokens"`
	TotalTokens    int64     `json:"total_tokens"`
	LatencyMs      int64     `json:"latency_ms"`
	Streamed       bool      `json:"streamed"`
	ErrorMessage   string    `json:"error_message,omitempty"`
	RequestedBy    string    `json:"requested_by,omitempty"` // api key id or user id
	CreatedAt      time.Time `json:"created_at"`
}

// Filter narrows a request-history listing. Zero-value fields are
// unconstrained.
type Filter struct {
	EndpointID string
	Model      string
	Success    *bool
	Since      *time.Time
	Until      *time.Time
	Page       int
	PageSize   int
}

// Normalize applies default pagination bounds, matching spec's
// History.ExportPageSize ceiling.
func (f *Filter) Normalize(defaultPageSize, maxPageSize int) {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize <= 0 {
		f.PageSize = defaultPageSize
	}
	if f.PageSize > maxPageSize {
		f.PageSize = maxPageSize
	}
}

// Page is a paginated slice of history records.
type Page struct {
	Records    []Record `json:"records"`
	Page       int      `json:"page"`
	PageSize   int      `json:"page_size"`
	TotalCount int64    `json:"total_count"`
}

// DailyStat is the upserted per-day, per-endpoint, per-model aggregate
// (spec §4.8).
type DailyStat struct {
	Day             string `json:"day"` // YYYY-MM-DD, UTC
	EndpointID      string `json:"endpoint_id"`
	Model           string `json:"model"`
	RequestCount    int64  `json:"request_count"`
	SuccessCount    int64  `json:"success_count"`
	ErrorCount      int64  `json:"error_count"`
	InputTokens     int64  `json:"input_tokens"`
	OutputTokens    int64  `json:"output_tokens"`
	TotalTokens     int64  `json:"total_tokens"`
	SumLatencyMs    int64  `json:"sum_latency_ms"`
}

// Merge folds one completed request's record into the daily aggregate.
func (d *DailyStat) Merge(r Record) {
	d.RequestCount++
	if r.Success {
		d.SuccessCount++
	} else {
		d.ErrorCount++
	}
	d.InputTokens += r.InputTokens
	d.OutputTokens += r.OutputTokens
	d.TotalTokens += r.TotalTokens
	d.SumLatencyMs += r.LatencyMs
}

// AverageLatencyMs returns the mean latency across all requests in the day,
// or (0, false) if no requests were recorded.
func (d *DailyStat) AverageLatencyMs() (float64, bool) {
	if d.RequestCount == 0 {
		return 0, false
	}
	return float64(d.SumLatencyMs) / float64(d.RequestCount), true
}

// ExportFormat selects the wire format for a bulk history export.
type ExportFormat string

const (
	ExportFormatJSON ExportFormat = "json"
	ExportFormatCSV  ExportFormat = "csv"
)

// CSVHeader is the column order used for CSV exports.
var CSVHeader = []string{
	"id", "endpoint_id", "endpoint_name", "model", "api_kind", "success",
	"status_code", "input_tokens", "output_tokens", "total_tokens",
	"latency_ms", "streamed", "error_message", "requested_by", "created_at",
}
