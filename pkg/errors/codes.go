package errors

import "fmt"

// ResultCode is the outcome of one transfer. The numeric values follow the
// long-standing client library numbering so diagnostics line up with other
// tooling.
type ResultCode int

const (
	ResultOK                  ResultCode = 0
	ResultUnsupportedProtocol ResultCode = 1
	ResultFailedInit          ResultCode = 2
	ResultURLMalformat        ResultCode = 3
	ResultCouldntResolveHost  ResultCode = 6
	ResultCouldntConnect      ResultCode = 7
	ResultHTTPReturnedError   ResultCode = 22
	ResultWriteError          ResultCode = 23
	ResultOperationTimedout   ResultCode = 28
	ResultAbortedByCallback   ResultCode = 42
	ResultBadFunctionArgument ResultCode = 43
	ResultUnknownOption       ResultCode = 48
	ResultGotNothing          ResultCode = 52
	ResultSendError           ResultCode = 55
	ResultRecvError           ResultCode = 56
	ResultAgain               ResultCode = 81
)

// MultiCode is the outcome of a call on a transfer pool.
type MultiCode int

const (
	MultiOK                  MultiCode = 0
	MultiBadHandle           MultiCode = 1
	MultiBadEasyHandle       MultiCode = 2
	MultiOutOfMemory         MultiCode = 3
	MultiInternalError       MultiCode = 4
	MultiAddedAlready        MultiCode = 7
	MultiRecursiveAPICall    MultiCode = 8
	MultiWakeupFailure       MultiCode = 9
	MultiBadFunctionArgument MultiCode = 10
)

// CodeInfo provides human-readable information about a code
type CodeInfo struct {
	Code        int
	Space       Space
	Name        string
	Description string
	Category    Category
	Severity    Severity
}

var resultRegistry = map[ResultCode]CodeInfo{
	ResultOK:                  {0, SpaceResult, "OK", "No error", CategoryTransfer, SeverityInfo},
	ResultUnsupportedProtocol: {1, SpaceResult, "UnsupportedProtocol", "Unsupported protocol", CategoryURL, SeverityError},
	ResultFailedInit:          {2, SpaceResult, "FailedInit", "Failed initialization", CategoryInternal, SeverityCritical},
	ResultURLMalformat:        {3, SpaceResult, "URLMalformat", "URL using bad/illegal format or missing URL", CategoryURL, SeverityError},
	ResultCouldntResolveHost:  {6, SpaceResult, "CouldntResolveHost", "Could not resolve hostname", CategoryResolve, SeverityError},
	ResultCouldntConnect:      {7, SpaceResult, "CouldntConnect", "Could not connect to server", CategoryConnect, SeverityError},
	ResultHTTPReturnedError:   {22, SpaceResult, "HTTPReturnedError", "HTTP response code said error", CategoryProtocol, SeverityError},
	ResultWriteError:          {23, SpaceResult, "WriteError", "Failed writing received data to disk/application", CategoryTransfer, SeverityError},
	ResultOperationTimedout:   {28, SpaceResult, "OperationTimedout", "Timeout was reached", CategoryTimeout, SeverityError},
	ResultAbortedByCallback:   {42, SpaceResult, "AbortedByCallback", "Operation was aborted by an application callback", CategoryCancelled, SeverityInfo},
	ResultBadFunctionArgument: {43, SpaceResult, "BadFunctionArgument", "A function was given a bad argument", CategoryUsage, SeverityError},
	ResultUnknownOption:       {48, SpaceResult, "UnknownOption", "An unknown option was passed in", CategoryUsage, SeverityError},
	ResultGotNothing:          {52, SpaceResult, "GotNothing", "Server returned nothing (no headers, no data)", CategoryProtocol, SeverityError},
	ResultSendError:           {55, SpaceResult, "SendError", "Failed sending data to the peer", CategoryTransfer, SeverityError},
	ResultRecvError:           {56, SpaceResult, "RecvError", "Failure when receiving data from the peer", CategoryTransfer, SeverityError},
	ResultAgain:               {81, SpaceResult, "Again", "Socket not ready for send/recv", CategoryTransfer, SeverityWarning},
}

var multiRegistry = map[MultiCode]CodeInfo{
	MultiOK:                  {0, SpaceMulti, "OK", "No error", CategoryHandle, SeverityInfo},
	MultiBadHandle:           {1, SpaceMulti, "BadHandle", "Invalid multi handle", CategoryHandle, SeverityError},
	MultiBadEasyHandle:       {2, SpaceMulti, "BadEasyHandle", "Invalid easy handle", CategoryHandle, SeverityError},
	MultiOutOfMemory:         {3, SpaceMulti, "OutOfMemory", "Out of memory", CategoryInternal, SeverityCritical},
	MultiInternalError:       {4, SpaceMulti, "InternalError", "Internal error", CategoryInternal, SeverityCritical},
	MultiAddedAlready:        {7, SpaceMulti, "AddedAlready", "The easy handle is already added to a multi handle", CategoryHandle, SeverityError},
	MultiRecursiveAPICall:    {8, SpaceMulti, "RecursiveAPICall", "API function called from within callback", CategoryUsage, SeverityError},
	MultiWakeupFailure:       {9, SpaceMulti, "WakeupFailure", "Wakeup is unavailable or failed", CategoryInternal, SeverityError},
	MultiBadFunctionArgument: {10, SpaceMulti, "BadFunctionArgument", "A function was given a bad argument", CategoryUsage, SeverityError},
}

func lookup(space Space, code int) CodeInfo {
	var (
		info CodeInfo
		ok   bool
	)
	switch space {
	case SpaceResult:
		info, ok = resultRegistry[ResultCode(code)]
	case SpaceMulti:
		info, ok = multiRegistry[MultiCode(code)]
	}
	if !ok {
		return CodeInfo{
			Code:        code,
			Space:       space,
			Name:        "Unknown",
			Description: "Unknown error",
			Category:    CategoryInternal,
			Severity:    SeverityError,
		}
	}
	return info
}

func codeName(space Space, code int) string {
	return lookup(space, code).Name
}

// StrError returns the human-readable text for a result code.
func StrError(code ResultCode) string {
	return lookup(SpaceResult, int(code)).Description
}

// MultiStrError returns the human-readable text for a multi code.
func MultiStrError(code MultiCode) string {
	return lookup(SpaceMulti, int(code)).Description
}

// GetResultInfo returns registry information about a result code
func GetResultInfo(code ResultCode) (CodeInfo, bool) {
	info, ok := resultRegistry[code]
	return info, ok
}

// GetMultiInfo returns registry information about a multi code
func GetMultiInfo(code MultiCode) (CodeInfo, bool) {
	info, ok := multiRegistry[code]
	return info, ok
}

func (c ResultCode) String() string {
	return fmt.Sprintf("%s(%d)", codeName(SpaceResult, int(c)), int(c))
}

func (c MultiCode) String() string {
	return fmt.Sprintf("%s(%d)", codeName(SpaceMulti, int(c)), int(c))
}

// ListResultCodes returns all registered result codes
func ListResultCodes() []CodeInfo {
	codes := make([]CodeInfo, 0, len(resultRegistry))
	for _, info := range resultRegistry {
		codes = append(codes, info)
	}
	return codes
}
