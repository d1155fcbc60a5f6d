// Package errors provides structured error handling for the transfer engine.
// Every failure carries a numeric code from one of two code spaces: result
// codes describe how a single transfer ended, multi codes describe why a
// call on a transfer pool was rejected. Errors also carry a category, a
// severity and a context describing where they happened.
package errors

import (
	"encoding/json"
	"fmt"
	"time"
)

// Category represents the type/category of an error for classification and handling
type Category string

const (
	CategoryUsage     Category = "usage"
	CategoryURL       Category = "url"
	CategoryResolve   Category = "resolve"
	CategoryConnect   Category = "connect"
	CategoryTransfer  Category = "transfer"
	CategoryProtocol  Category = "protocol"
	CategoryTimeout   Category = "timeout"
	CategoryCancelled Category = "cancelled"
	CategoryHandle    Category = "handle"
	CategoryInternal  Category = "internal"
)

// Severity indicates how critical an error is
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Space identifies which code space an error code belongs to.
type Space string

const (
	SpaceResult Space = "result"
	SpaceMulti  Space = "multi"
)

// Context records where an error occurred.
type Context struct {
	TransferID string    `json:"transfer_id,omitempty"`
	URL        string    `json:"url,omitempty"`
	Component  string    `json:"component,omitempty"`
	Operation  string    `json:"operation,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// XferError is the interface implemented by every error the engine returns.
type XferError interface {
	error

	// Code returns the numeric code within Space
	Code() int

	// Space returns the code space Code belongs to
	Space() Space

	// Message returns a human-readable error message
	Message() string

	// Details returns detailed technical description for debugging
	Details() string

	// Data returns structured error data for programmatic handling
	Data() interface{}

	Category() Category
	Severity() Severity
	Context() *Context

	// WithContext returns a copy carrying ctx
	WithContext(ctx *Context) XferError

	// WithDetail returns a copy with detail appended
	WithDetail(detail string) XferError

	// WithData returns a copy carrying data
	WithData(data interface{}) XferError

	Unwrap() error

	// ToJSON returns the error as a JSON-serializable map
	ToJSON() map[string]interface{}
}

type baseError struct {
	code     int
	space    Space
	message  string
	details  string
	data     interface{}
	category Category
	severity Severity
	context  *Context
	cause    error
}

func (e *baseError) Error() string {
	if e.details != "" {
		return fmt.Sprintf("%s: %s", e.message, e.details)
	}
	return e.message
}

func (e *baseError) Code() int          { return e.code }
func (e *baseError) Space() Space       { return e.space }
func (e *baseError) Message() string    { return e.message }
func (e *baseError) Details() string    { return e.details }
func (e *baseError) Data() interface{}  { return e.data }
func (e *baseError) Category() Category { return e.category }
func (e *baseError) Severity() Severity { return e.severity }
func (e *baseError) Context() *Context  { return e.context }
func (e *baseError) Unwrap() error      { return e.cause }

func (e *baseError) WithContext(ctx *Context) XferError {
	newErr := *e
	if ctx != nil && ctx.Timestamp.IsZero() {
		c := *ctx
		c.Timestamp = e.context.Timestamp
		ctx = &c
	}
	newErr.context = ctx
	return &newErr
}

func (e *baseError) WithDetail(detail string) XferError {
	newErr := *e
	if newErr.details != "" {
		newErr.details = fmt.Sprintf("%s; %s", newErr.details, detail)
	} else {
		newErr.details = detail
	}
	return &newErr
}

func (e *baseError) WithData(data interface{}) XferError {
	newErr := *e
	newErr.data = data
	return &newErr
}

func (e *baseError) ToJSON() map[string]interface{} {
	result := map[string]interface{}{
		"code":     e.code,
		"space":    string(e.space),
		"name":     codeName(e.space, e.code),
		"message":  e.message,
		"category": string(e.category),
		"severity": string(e.severity),
	}

	if e.details != "" {
		result["details"] = e.details
	}
	if e.data != nil {
		result["data"] = e.data
	}
	if e.context != nil {
		result["context"] = e.context
	}
	if e.cause != nil {
		result["cause"] = e.cause.Error()
	}

	return result
}

// MarshalJSON implements json.Marshaler
func (e *baseError) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.ToJSON())
}

func newError(space Space, code int, message string, cause error) *baseError {
	info := lookup(space, code)
	return &baseError{
		code:     code,
		space:    space,
		message:  message,
		category: info.Category,
		severity: info.Severity,
		cause:    cause,
		context: &Context{
			Timestamp: time.Now(),
		},
	}
}

// NewResultError creates a transfer error with the registry's category and severity for code.
func NewResultError(code ResultCode, message string) XferError {
	return newError(SpaceResult, int(code), message, nil)
}

// WrapResultError wraps cause as a transfer error.
func WrapResultError(cause error, code ResultCode, message string) XferError {
	return newError(SpaceResult, int(code), message, cause)
}

// NewMultiError creates a pool call error.
func NewMultiError(code MultiCode, message string) XferError {
	return newError(SpaceMulti, int(code), message, nil)
}

// AsXferError extracts an XferError from err without unwrapping.
func AsXferError(err error) (XferError, bool) {
	if err == nil {
		return nil, false
	}
	xe, ok := err.(XferError)
	return xe, ok
}

// IsXferError checks if an error is an XferError
func IsXferError(err error) bool {
	_, ok := AsXferError(err)
	return ok
}

// IsCategory checks if an error is of a specific category
func IsCategory(err error, category Category) bool {
	if xe, ok := AsXferError(err); ok {
		return xe.Category() == category
	}
	return false
}

// IsResult reports whether err is a transfer error with the given code.
func IsResult(err error, code ResultCode) bool {
	if xe, ok := AsXferError(err); ok {
		return xe.Space() == SpaceResult && xe.Code() == int(code)
	}
	return false
}

// IsMulti reports whether err is a pool call error with the given code.
func IsMulti(err error, code MultiCode) bool {
	if xe, ok := AsXferError(err); ok {
		return xe.Space() == SpaceMulti && xe.Code() == int(code)
	}
	return false
}

// ResultOf maps err to a transfer result code. A nil error is ResultOK;
// errors outside the result space are reported as receive failures.
func ResultOf(err error) ResultCode {
	if err == nil {
		return ResultOK
	}
	if xe, ok := AsXferError(err); ok && xe.Space() == SpaceResult {
		return ResultCode(xe.Code())
	}
	return ResultRecvError
}

// MultiOf maps err to a multi code. A nil error is MultiOK.
func MultiOf(err error) MultiCode {
	if err == nil {
		return MultiOK
	}
	if xe, ok := AsXferError(err); ok && xe.Space() == SpaceMulti {
		return MultiCode(xe.Code())
	}
	return MultiInternalError
}

// Describe returns the registry text for err's code, the way StrError does
// for a bare code. Errors outside the taxonomy return err.Error().
func Describe(err error) string {
	if err == nil {
		return StrError(ResultOK)
	}
	xe, ok := AsXferError(err)
	if !ok {
		return err.Error()
	}
	return lookup(xe.Space(), xe.Code()).Description
}
