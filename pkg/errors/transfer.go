package errors

import (
	"fmt"
	"net/url"
	"time"
)

// TransferErrorData contains structured data for transfer failures
type TransferErrorData struct {
	URL        string        `json:"url,omitempty"`
	Host       string        `json:"host,omitempty"`
	Operation  string        `json:"operation,omitempty"`
	StatusCode int           `json:"status_code,omitempty"`
	Timeout    time.Duration `json:"timeout,omitempty"`
	Retryable  bool          `json:"retryable"`
	Reason     string        `json:"reason,omitempty"`
}

// HandleErrorData contains structured data for rejected pool calls
type HandleErrorData struct {
	Operation string `json:"operation"`
	Parameter string `json:"parameter,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

func reason(cause error, fallback string) string {
	if cause != nil {
		return cause.Error()
	}
	return fallback
}

func hostOf(rawURL string) string {
	if u, err := url.Parse(rawURL); err == nil && u.Host != "" {
		return u.Host
	}
	return rawURL
}

// URLMalformat creates an error for a missing or unparsable URL
func URLMalformat(rawURL string, cause error) XferError {
	message := "URL using bad/illegal format or missing URL"
	if rawURL != "" {
		message = fmt.Sprintf("%s: %q", message, rawURL)
	}
	return WrapResultError(cause, ResultURLMalformat, message).WithData(&TransferErrorData{
		URL:       rawURL,
		Operation: "parse_url",
		Reason:    reason(cause, "missing url"),
	})
}

// UnsupportedProtocol creates an error for a scheme the engine cannot serve
func UnsupportedProtocol(rawURL, scheme string) XferError {
	return NewResultError(ResultUnsupportedProtocol,
		fmt.Sprintf("Protocol %q not supported", scheme)).WithData(&TransferErrorData{
		URL:       rawURL,
		Operation: "select_protocol",
		Reason:    "unsupported scheme " + scheme,
	})
}

// CouldntResolveHost creates an error for name resolution failures
func CouldntResolveHost(host string, cause error) XferError {
	return WrapResultError(cause, ResultCouldntResolveHost,
		fmt.Sprintf("Could not resolve host: %s", host)).WithData(&TransferErrorData{
		Host:      host,
		Operation: "resolve",
		Retryable: true,
		Reason:    reason(cause, "no addresses"),
	})
}

// CouldntConnect creates an error for connection failures
func CouldntConnect(rawURL string, cause error) XferError {
	host := hostOf(rawURL)
	message := fmt.Sprintf("Failed to connect to %s", host)
	if cause != nil {
		message = fmt.Sprintf("%s: %s", message, cause.Error())
	}
	return WrapResultError(cause, ResultCouldntConnect, message).WithData(&TransferErrorData{
		URL:       rawURL,
		Host:      host,
		Operation: "connect",
		Retryable: true,
		Reason:    reason(cause, "connect failed"),
	})
}

// OperationTimedout creates an error for transfers that ran past their timeout
func OperationTimedout(rawURL string, timeout time.Duration, cause error) XferError {
	message := fmt.Sprintf("Operation timed out for %s", rawURL)
	if timeout > 0 {
		message = fmt.Sprintf("%s after %v", message, timeout)
	}
	return WrapResultError(cause, ResultOperationTimedout, message).WithData(&TransferErrorData{
		URL:       rawURL,
		Operation: "transfer",
		Timeout:   timeout,
		Retryable: true,
		Reason:    "timeout",
	})
}

// UpgradeRefused creates an error for a WebSocket upgrade the server declined
func UpgradeRefused(rawURL string, statusCode int) XferError {
	return NewResultError(ResultHTTPReturnedError,
		fmt.Sprintf("Refused WebSockets upgrade: %d", statusCode)).WithData(&TransferErrorData{
		URL:        rawURL,
		Operation:  "upgrade",
		StatusCode: statusCode,
		Reason:     "server did not switch protocols",
	})
}

// HTTPReturnedError creates an error for an HTTP status >= 400 when failing on errors
func HTTPReturnedError(rawURL string, statusCode int) XferError {
	return NewResultError(ResultHTTPReturnedError,
		fmt.Sprintf("The requested URL returned error: %d", statusCode)).WithData(&TransferErrorData{
		URL:        rawURL,
		Operation:  "read_response",
		StatusCode: statusCode,
		Retryable:  statusCode >= 500 || statusCode == 429 || statusCode == 408,
		Reason:     fmt.Sprintf("status %d", statusCode),
	})
}

// Aborted creates an error for a transfer cancelled by removal or pool shutdown
func Aborted(rawURL, operation string) XferError {
	return NewResultError(ResultAbortedByCallback,
		fmt.Sprintf("Transfer aborted during %s", operation)).WithData(&TransferErrorData{
		URL:       rawURL,
		Operation: operation,
		Reason:    "aborted",
	})
}

// GotNothing creates an error for a connection closed before any response
func GotNothing(rawURL string, cause error) XferError {
	return WrapResultError(cause, ResultGotNothing, "Empty reply from server").WithData(&TransferErrorData{
		URL:       rawURL,
		Operation: "read_response",
		Retryable: true,
		Reason:    reason(cause, "empty reply"),
	})
}

// WriteError creates an error for a failing application sink
func WriteError(cause error) XferError {
	return WrapResultError(cause, ResultWriteError,
		fmt.Sprintf("Failure writing output to destination: %s", reason(cause, "short write"))).WithData(&TransferErrorData{
		Operation: "write_body",
		Reason:    reason(cause, "short write"),
	})
}

// SendError creates an error for failures sending data to the peer
func SendError(operation string, cause error) XferError {
	return WrapResultError(cause, ResultSendError,
		fmt.Sprintf("Failed sending data during %s: %s", operation, reason(cause, "send failed"))).WithData(&TransferErrorData{
		Operation: operation,
		Reason:    reason(cause, "send failed"),
	})
}

// RecvError creates an error for failures receiving data from the peer
func RecvError(operation string, cause error) XferError {
	return WrapResultError(cause, ResultRecvError,
		fmt.Sprintf("Failure when receiving data during %s: %s", operation, reason(cause, "receive failed"))).WithData(&TransferErrorData{
		Operation: operation,
		Retryable: true,
		Reason:    reason(cause, "receive failed"),
	})
}

// BadFunctionArgument creates an error for an invalid option value or call argument
func BadFunctionArgument(parameter, why string) XferError {
	return NewResultError(ResultBadFunctionArgument,
		fmt.Sprintf("Bad argument for %s: %s", parameter, why)).WithData(&HandleErrorData{
		Operation: "setopt",
		Parameter: parameter,
		Reason:    why,
	})
}

// UnknownOption creates an error for an option the engine does not know
func UnknownOption(option string) XferError {
	return NewResultError(ResultUnknownOption,
		fmt.Sprintf("Unknown option %s", option)).WithData(&HandleErrorData{
		Operation: "setopt",
		Parameter: option,
		Reason:    "unknown option",
	})
}

// BadHandle creates an error for calls on a closed or nil pool
func BadHandle(operation string) XferError {
	return NewMultiError(MultiBadHandle,
		fmt.Sprintf("Invalid multi handle in %s", operation)).WithData(&HandleErrorData{
		Operation: operation,
		Reason:    "multi handle closed or nil",
	})
}

// BadEasyHandle creates an error for a closed or nil request handle
func BadEasyHandle(operation string) XferError {
	return NewMultiError(MultiBadEasyHandle,
		fmt.Sprintf("Invalid easy handle in %s", operation)).WithData(&HandleErrorData{
		Operation: operation,
		Reason:    "easy handle closed or nil",
	})
}

// AddedAlready creates an error for a request handle that already belongs to a pool
func AddedAlready() XferError {
	return NewMultiError(MultiAddedAlready,
		"The easy handle is already added to a multi handle").WithData(&HandleErrorData{
		Operation: "add_handle",
		Reason:    "already attached",
	})
}

// MultiBadArgument creates an error for an invalid pool call argument
func MultiBadArgument(operation, parameter, why string) XferError {
	return NewMultiError(MultiBadFunctionArgument,
		fmt.Sprintf("Bad argument %s for %s: %s", parameter, operation, why)).WithData(&HandleErrorData{
		Operation: operation,
		Parameter: parameter,
		Reason:    why,
	})
}
