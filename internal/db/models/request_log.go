package models

// RequestLog stores one proxied completion attempt chain for the status API.
type RequestLog struct {
	ID           string `gorm:"primaryKey" json:"id"`
	Timestamp    int64  `gorm:"index" json:"timestamp"`
	RequestID    string `json:"request_id,omitempty"`
	Model        string `gorm:"index" json:"model,omitempty"`
	RouteKind    string `json:"route_kind,omitempty"` // "flow" or "account"
	FlowName     string `json:"flow_name,omitempty"`
	Provider     string `gorm:"index" json:"provider,omitempty"`
	AccountEmail string `json:"account_email,omitempty"`
	Status       int    `json:"status"`
	Reason       string `json:"reason,omitempty"` // normalized rate-limit reason of the last failure
	Attempts     int    `json:"attempts"`
	Duration     int64  `json:"duration"` // milliseconds
	Error        string `json:"error,omitempty"`
	InputTokens  int    `json:"input_tokens,omitempty"`
	OutputTokens int    `json:"output_tokens,omitempty"`
}

// RequestStats holds aggregated statistics for request logs
type RequestStats struct {
	TotalRequests int64 `json:"total_requests"`
	SuccessCount  int64 `json:"success_count"`
	ErrorCount    int64 `json:"error_count"`
}
