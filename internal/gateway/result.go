package gateway

// Result statuses.
const (
	StatusOK               = "ok"
	StatusError            = "error"
	StatusTimeout          = "timeout"
	StatusApprovalRequired = "approval_required"
)

// Source identifies the gateway in result metadata.
const Source = "gateway"

// Result is the standardized envelope every gateway call returns.
type Result struct {
	Status      string         `json:"status"`
	ToolName    string         `json:"tool_name"`
	ToolVersion string         `json:"tool_version"`
	RequestID   string         `json:"request_id"`
	Data        map[string]any `json:"data"`
	Error       *ErrorDetail   `json:"error,omitempty"`
	Meta        Meta           `json:"meta"`
}

// ErrorDetail describes a failure inside a result envelope.
type ErrorDetail struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details"`
}

// Meta carries timing metadata. TimeoutMS is present on ok and
// approval_required envelopes only.
type Meta struct {
	LatencyMS int64  `json:"latency_ms"`
	TimeoutMS int64  `json:"timeout_ms,omitempty"`
	Source    string `json:"source"`
}

// errorMap flattens an ErrorDetail for the audit record.
func errorMap(e *ErrorDetail) map[string]any {
	if e == nil {
		return map[string]any{}
	}
	details := e.Details
	if details == nil {
		details = map[string]any{}
	}
	return map[string]any{"code": e.Code, "message": e.Message, "details": details}
}
