package domain

// Result values of the platform envelope. Callers across the platform
// pattern-match on these, so the strings are wire-stable.
const (
	ResultSuccess  = "success"
	ResultError    = "error"
	ResultNotFound = "not_found"
	ResultFailed   = "failed"
	ResultTimeout  = "timeout"
)

// Error codes carried inside an error envelope.
const (
	CodeValidationError  = "VALIDATION_ERROR"
	CodePermissionDenied = "PERMISSION_DENIED"
	CodeNotFound         = "NOT_FOUND"
	CodeTimeout          = "TIMEOUT"
	CodeInternalError    = "INTERNAL_ERROR"
)

// Action row statuses.
const (
	StatusPending   = "pending"
	StatusHold      = "hold"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusDrop      = "drop"
)

// ErrorInfo is the error half of an envelope.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Envelope is the uniform return shape every action handler produces.
type Envelope struct {
	Result       string         `json:"result"`
	ResponseData map[string]any `json:"response_data,omitempty"`
	Error        *ErrorInfo     `json:"error,omitempty"`
}

// OK returns a bare success envelope.
func OK() Envelope {
	return Envelope{Result: ResultSuccess}
}

// OKWith returns a success envelope carrying response data.
func OKWith(data map[string]any) Envelope {
	return Envelope{Result: ResultSuccess, ResponseData: data}
}

// ErrEnvelope returns an error-result envelope with the given code.
func ErrEnvelope(code, message string) Envelope {
	return Envelope{Result: ResultError, Error: &ErrorInfo{Code: code, Message: message}}
}

// FailedEnvelope returns a failed-result envelope; used for input validation
// rejections, which are normal behavior and never retried.
func FailedEnvelope(code, message string) Envelope {
	return Envelope{Result: ResultFailed, Error: &ErrorInfo{Code: code, Message: message}}
}

// TimeoutEnvelope marks an execution that exceeded its queue deadline.
func TimeoutEnvelope(message string) Envelope {
	return Envelope{Result: ResultTimeout, Error: &ErrorInfo{Code: CodeTimeout, Message: message}}
}

// IsSuccess reports whether the envelope carries a success result.
func (e Envelope) IsSuccess() bool {
	return e.Result == ResultSuccess
}

// TerminalStatus reports whether an action row status is final.
func TerminalStatus(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusDrop:
		return true
	}
	return false
}

// Action is a persisted, declarative unit of work created by scenario
// expansion and drained later by an independent per-service consumer.
type Action struct {
	ID                int64   `json:"id"`
	UserID            int64   `json:"user_id"`
	ChatID            int64   `json:"chat_id"`
	ActionType        string  `json:"action_type"`
	ActionData        string  `json:"action_data"`
	PrevData          *string `json:"prev_data,omitempty"`
	ResponseData      *string `json:"response_data,omitempty"`
	Status            string  `json:"status" enum:"pending,hold,completed,failed,drop"`
	PrevActionID      *int64  `json:"prev_action_id,omitempty"`
	UnlockStatus      *string `json:"unlock_status,omitempty"`
	ChainDropStatus   *string `json:"chain_drop_status,omitempty"`
	IsUnlockerChecked bool    `json:"is_unlocker_checked"`
	CreatedAt         string  `json:"created_at" format:"date-time"`
	ProcessedAt       *string `json:"processed_at,omitempty" format:"date-time"`
}

// User is the acting-user profile upserted on every trigger event.
type User struct {
	UserID       int64   `json:"user_id"`
	Username     *string `json:"username,omitempty"`
	FirstName    *string `json:"first_name,omitempty"`
	LastName     *string `json:"last_name,omitempty"`
	IsBot        bool    `json:"is_bot"`
	LastActivity string  `json:"last_activity" format:"date-time"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
}

// AuditEvent is one row of the append-only audit log.
type AuditEvent struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
