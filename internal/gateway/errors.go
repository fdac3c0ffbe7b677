package gateway

import "fmt"

// Error codes carried in result envelopes. The set is closed; handlers and
// gateway internals map every failure onto one of these.
const (
	CodeNotFound        = "NOT_FOUND"
	CodeValidationError = "VALIDATION_ERROR"
	CodePolicyViolation = "POLICY_VIOLATION"
	CodeTimeout         = "TIMEOUT"
	CodeInternalError   = "INTERNAL_ERROR"
)

// ToolError is a structured failure a tool handler can return. The gateway
// copies its code, message, and details into the result envelope; any other
// handler error becomes INTERNAL_ERROR.
type ToolError struct {
	Code    string
	Message string
	Details map[string]any
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewToolError builds a ToolError with the given code.
func NewToolError(code, message string, details map[string]any) *ToolError {
	if details == nil {
		details = map[string]any{}
	}
	return &ToolError{Code: code, Message: message, Details: details}
}
