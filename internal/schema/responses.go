package schema

import (
	"encoding/json"
	"time"
)

// ErrorCode is one of the closed set of protocol error codes.
type ErrorCode string

const (
	ErrCodeUnknown                = ErrorCode("UNKNOWN_ERROR")
	ErrCodeInvalidCommand         = ErrorCode("INVALID_COMMAND")
	ErrCodeInvalidParams          = ErrorCode("INVALID_PARAMS")
	ErrCodeSessionNotFound        = ErrorCode("SESSION_NOT_FOUND")
	ErrCodeSessionClosed          = ErrorCode("SESSION_CLOSED")
	ErrCodeNavigationFailed       = ErrorCode("NAVIGATION_FAILED")
	ErrCodeInvalidURL             = ErrorCode("INVALID_URL")
	ErrCodeElementNotFound        = ErrorCode("ELEMENT_NOT_FOUND")
	ErrCodeElementNotVisible      = ErrorCode("ELEMENT_NOT_VISIBLE")
	ErrCodeElementNotInteractable = ErrorCode("ELEMENT_NOT_INTERACTABLE")
	ErrCodeTimeout                = ErrorCode("TIMEOUT")
	ErrCodeWaitTimeout            = ErrorCode("WAIT_TIMEOUT")
	ErrCodeExtractionFailed       = ErrorCode("EXTRACTION_FAILED")
)

// BaseResponse carries the fields common to every success response.
type BaseResponse struct {
	ID              string  `json:"id"`
	Success         bool    `json:"success"`
	Timestamp       float64 `json:"timestamp"`
	ExecutionTimeMs int64   `json:"execution_time_ms,omitempty"`
}

// NewBaseResponse returns a success base stamped with the current time.
func NewBaseResponse(id string) BaseResponse {
	return BaseResponse{
		ID:        id,
		Success:   true,
		Timestamp: float64(time.Now().UnixNano()) / 1e9,
	}
}

// NavigateResponse is the success body for a navigate command.
type NavigateResponse struct {
	BaseResponse
	URL        string `json:"url"`
	Title      string `json:"title"`
	StatusCode int    `json:"status_code,omitempty"`
	Redirected bool   `json:"redirected"`
	LoadTimeMs int64  `json:"load_time_ms"`
}

// ClickPosition is the absolute page coordinate the click was issued at.
type ClickPosition struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// ClickResponse is the success body for a click command.
type ClickResponse struct {
	BaseResponse
	ElementFound   bool          `json:"element_found"`
	ElementVisible bool          `json:"element_visible"`
	ClickPosition  ClickPosition `json:"click_position"`
	ElementText    string        `json:"element_text"`
	ElementTag     string        `json:"element_tag"`
}

// FillResponse is the success body for a fill command.
type FillResponse struct {
	BaseResponse
	ElementFound     bool   `json:"element_found"`
	ElementType      string `json:"element_type"`
	TextEntered      string `json:"text_entered"`
	PreviousValue    string `json:"previous_value"`
	CurrentValue     string `json:"current_value"`
	ValidationPassed bool   `json:"validation_passed"`
}

// ElementInfo is per-element metadata attached to extraction results.
type ElementInfo struct {
	Tag   string `json:"tag"`
	Class string `json:"class"`
	Index int    `json:"index"`
	Error string `json:"error,omitempty"`
}

// ExtractResponse is the success body for an extract command. Data is a
// single string when multiple=false and a list of strings otherwise.
type ExtractResponse struct {
	BaseResponse
	ElementsFound int           `json:"elements_found"`
	Data          any           `json:"data"`
	ElementInfo   []ElementInfo `json:"element_info"`
}

// ConditionDetails echoes the waited condition in a wait response.
type ConditionDetails struct {
	Condition string `json:"condition"`
	Selector  string `json:"selector,omitempty"`
	Timeout   int    `json:"timeout"`
}

// WaitResponse is the success body for a wait command.
type WaitResponse struct {
	BaseResponse
	ConditionMet     bool             `json:"condition_met"`
	WaitTimeMs       int64            `json:"wait_time_ms"`
	FinalState       string           `json:"final_state"`
	ElementCount     int              `json:"element_count"`
	ConditionDetails ConditionDetails `json:"condition_details"`
}

// Wait final states.
const (
	StatePageLoaded         = "page_loaded"
	StateDOMContentLoaded   = "dom_content_loaded"
	StateNetworkIdle        = "network_idle"
	StateElementVisible     = "element_visible"
	StateElementHidden      = "element_hidden"
	StateElementAttached    = "element_attached"
	StateElementDetached    = "element_detached"
	StateCustomConditionMet = "custom_condition_met"
	StateTextContentFound   = "text_content_found"
)

// ErrorResponse is the failure frame for any command.
type ErrorResponse struct {
	ID        string         `json:"id,omitempty"`
	Success   bool           `json:"success"`
	Error     string         `json:"error"`
	ErrorCode ErrorCode      `json:"error_code"`
	ErrorType string         `json:"error_type"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp float64        `json:"timestamp"`
}

// NewErrorResponse builds an error frame stamped with the current time.
func NewErrorResponse(id string, code ErrorCode, errType, msg string) *ErrorResponse {
	return &ErrorResponse{
		ID:        id,
		Success:   false,
		Error:     msg,
		ErrorCode: code,
		ErrorType: errType,
		Timestamp: float64(time.Now().UnixNano()) / 1e9,
	}
}

// WithDetails attaches a details map and returns the response for chaining.
func (e *ErrorResponse) WithDetails(details map[string]any) *ErrorResponse {
	e.Details = details
	return e
}

// Marshal serializes any response value to one wire frame.
func Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}
