package usage

import "time"

// Record is one completed (or failed) CLI invocation.
type Record struct {
	Model       string    `json:"model"`
	Mode        string    `json:"mode"` // single_shot, new_session, resume
	Streaming   bool      `json:"streaming"`
	TokenSource string    `json:"token_source"` // native, estimated
	RequestedAt time.Time `json:"requested_at"`
	DurationMs  int64     `json:"duration_ms"`
	Failed      bool      `json:"failed"`

	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
	TotalTokens  int64 `json:"total_tokens"`
}

// AggregatedStats summarizes a time window.
type AggregatedStats struct {
	TotalRequests int64 `json:"total_requests"`
	SuccessCount  int64 `json:"success_count"`
	FailureCount  int64 `json:"failure_count"`
	TotalTokens   int64 `json:"total_tokens"`
}

// DailyStats aggregates one calendar day.
type DailyStats struct {
	Day      string `json:"day"` // "2006-01-02"
	Requests int64  `json:"requests"`
	Tokens   int64  `json:"tokens"`
}

// ModelStats aggregates one model.
type ModelStats struct {
	Model        string `json:"model"`
	Requests     int64  `json:"requests"`
	SuccessCount int64  `json:"success_count"`
	FailureCount int64  `json:"failure_count"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
	TotalTokens  int64  `json:"total_tokens"`
	AvgDuration  int64  `json:"avg_duration_ms"`
}

// ModeStats aggregates one invocation mode, showing how often the session
// cache actually pays off.
type ModeStats struct {
	Mode        string `json:"mode"`
	Requests    int64  `json:"requests"`
	Tokens      int64  `json:"tokens"`
	AvgDuration int64  `json:"avg_duration_ms"`
}

// Snapshot is the GET /v0/usage response body: instant counters plus
// database breakdowns when a backend is configured.
type Snapshot struct {
	TotalRequests int64 `json:"total_requests"`
	SuccessCount  int64 `json:"success_count"`
	FailureCount  int64 `json:"failure_count"`
	TotalTokens   int64 `json:"total_tokens"`

	RequestsByDay map[string]int64 `json:"requests_by_day,omitempty"`
	TokensByDay   map[string]int64 `json:"tokens_by_day,omitempty"`
	Models        []ModelStats     `json:"models,omitempty"`
	Modes         []ModeStats      `json:"modes,omitempty"`
}
