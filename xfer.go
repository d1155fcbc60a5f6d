package xfer

import (
	"github.com/ajitpratap0/xfer-go/pkg/conformance"
	"github.com/ajitpratap0/xfer-go/pkg/engine"
	xerrors "github.com/ajitpratap0/xfer-go/pkg/errors"
)

// Version of the engine
const Version = engine.EngineVersion

// Handles and their configuration
type (
	Easy        = engine.Easy
	Multi       = engine.Multi
	MultiConfig = engine.MultiConfig
	Message     = engine.Message
	Option      = engine.Option
	Info        = engine.Info
	WSOption    = engine.WSOption
	ResultCode  = xerrors.ResultCode
)

// These exports provide direct access to the core engine
var (
	// NewEasy creates a request handle
	NewEasy = engine.NewEasy

	// NewMulti creates a multi handle with its own connection pool
	NewMulti = engine.NewMulti

	// GlobalInit sets up process-wide state, reference counted
	GlobalInit = engine.GlobalInit

	// GlobalCleanup releases one GlobalInit reference
	GlobalCleanup = engine.GlobalCleanup

	// StrError describes a result code
	StrError = xerrors.StrError
)

// Global init flags
const (
	GlobalDefault   = engine.GlobalDefault
	GlobalSharedDNS = engine.GlobalSharedDNS
	GlobalAll       = engine.GlobalAll
)

// Request options
const (
	OptURL         = engine.OptURL
	OptVerbose     = engine.OptVerbose
	OptWSOptions   = engine.OptWSOptions
	OptFailOnError = engine.OptFailOnError
	OptTimeout     = engine.OptTimeout
	OptHTTPHeader  = engine.OptHTTPHeader
	OptUserAgent   = engine.OptUserAgent
	OptWriteData   = engine.OptWriteData
	OptForbidReuse = engine.OptForbidReuse
	OptPrivate     = engine.OptPrivate
)

// WebSocket option bits
const (
	WSRawMode          = engine.WSRawMode
	WSUpgradeRefusedOK = engine.WSUpgradeRefusedOK
)

// Transfer info
const (
	InfoResponseCode     = engine.InfoResponseCode
	InfoEffectiveURL     = engine.InfoEffectiveURL
	InfoNumConnects      = engine.InfoNumConnects
	InfoConnectionReused = engine.InfoConnectionReused
	InfoTotalTime        = engine.InfoTotalTime
	InfoPrivate          = engine.InfoPrivate
	InfoScheme           = engine.InfoScheme
)

// Conformance check
var (
	// NewEngine binds the check to this engine
	NewEngine = conformance.NewEngineAdapter

	// DefaultCheckConfig targets 127.0.0.1 and logs to stderr
	DefaultCheckConfig = conformance.DefaultConfig

	// RunUpgradeRefusedReuse runs the check and returns 0 on success
	RunUpgradeRefusedReuse = conformance.UpgradeRefusedReuse
)

// Common result codes
const (
	ResultOK                = xerrors.ResultOK
	ResultCouldntConnect    = xerrors.ResultCouldntConnect
	ResultHTTPReturnedError = xerrors.ResultHTTPReturnedError
)
