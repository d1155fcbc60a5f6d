package engine

import (
	"fmt"
	"io"
	"strings"
	"time"

	xerrors "github.com/ajitpratap0/xfer-go/pkg/errors"
)

// Option identifies a request handle setting
type Option int

const (
	// OptURL is the target URL (string)
	OptURL Option = iota + 1
	// OptVerbose enables per-transfer diagnostics (bool, or int 0/1)
	OptVerbose
	// OptWSOptions holds WebSocket behaviour bits (WSOption)
	OptWSOptions
	// OptFailOnError turns HTTP status >= 400 into ResultHTTPReturnedError (bool)
	OptFailOnError
	// OptTimeout bounds the whole transfer (time.Duration, 0 = none)
	OptTimeout
	// OptHTTPHeader adds request headers ([]string of "Name: value")
	OptHTTPHeader
	// OptUserAgent sets the User-Agent header (string)
	OptUserAgent
	// OptWriteData receives the response body (io.Writer, nil = discard)
	OptWriteData
	// OptForbidReuse closes the connection after the transfer (bool)
	OptForbidReuse
	// OptPrivate attaches an arbitrary application value (any)
	OptPrivate
)

var optionNames = map[Option]string{
	OptURL:         "URL",
	OptVerbose:     "VERBOSE",
	OptWSOptions:   "WS_OPTIONS",
	OptFailOnError: "FAILONERROR",
	OptTimeout:     "TIMEOUT",
	OptHTTPHeader:  "HTTPHEADER",
	OptUserAgent:   "USERAGENT",
	OptWriteData:   "WRITEDATA",
	OptForbidReuse: "FORBID_REUSE",
	OptPrivate:     "PRIVATE",
}

func (o Option) String() string {
	if name, ok := optionNames[o]; ok {
		return name
	}
	return fmt.Sprintf("Option(%d)", int(o))
}

// WSOption is a bit set controlling WebSocket transfers
type WSOption int

const (
	// WSRawMode is accepted for compatibility; frames are always decoded
	WSRawMode WSOption = 1 << iota
	// WSUpgradeRefusedOK completes a refused upgrade with ResultOK and the
	// server's response code instead of failing the transfer
	WSUpgradeRefusedOK
)

const wsKnownOptions = WSRawMode | WSUpgradeRefusedOK

// easyOptions is the option set of one Easy. A copy is taken when a
// transfer starts, so later Setopt calls affect only the next transfer.
type easyOptions struct {
	url         string
	verbose     bool
	wsOptions   WSOption
	failOnError bool
	timeout     time.Duration
	headers     []string
	userAgent   string
	writer      io.Writer
	forbidReuse bool
	private     any
}

func (o easyOptions) clone() easyOptions {
	c := o
	c.headers = append([]string(nil), o.headers...)
	return c
}

func toBool(opt Option, value any) (bool, error) {
	switch v := value.(type) {
	case bool:
		return v, nil
	case int:
		return v != 0, nil
	case int64:
		return v != 0, nil
	case int32:
		return v != 0, nil
	}
	return false, xerrors.BadFunctionArgument(opt.String(), fmt.Sprintf("want bool or integer, got %T", value))
}

func (o *easyOptions) set(opt Option, value any) error {
	switch opt {
	case OptURL:
		switch v := value.(type) {
		case string:
			o.url = v
		case nil:
			o.url = ""
		default:
			return xerrors.BadFunctionArgument(opt.String(), fmt.Sprintf("want string, got %T", value))
		}

	case OptVerbose:
		b, err := toBool(opt, value)
		if err != nil {
			return err
		}
		o.verbose = b

	case OptWSOptions:
		var bits WSOption
		switch v := value.(type) {
		case WSOption:
			bits = v
		case int:
			bits = WSOption(v)
		case int64:
			bits = WSOption(v)
		default:
			return xerrors.BadFunctionArgument(opt.String(), fmt.Sprintf("want WSOption, got %T", value))
		}
		if bits&^wsKnownOptions != 0 {
			return xerrors.BadFunctionArgument(opt.String(), fmt.Sprintf("unknown bits %#x", int(bits&^wsKnownOptions)))
		}
		o.wsOptions = bits

	case OptFailOnError:
		b, err := toBool(opt, value)
		if err != nil {
			return err
		}
		o.failOnError = b

	case OptTimeout:
		d, ok := value.(time.Duration)
		if !ok {
			return xerrors.BadFunctionArgument(opt.String(), fmt.Sprintf("want time.Duration, got %T", value))
		}
		if d < 0 {
			return xerrors.BadFunctionArgument(opt.String(), "negative timeout")
		}
		o.timeout = d

	case OptHTTPHeader:
		switch v := value.(type) {
		case []string:
			for _, h := range v {
				if !strings.Contains(h, ":") {
					return xerrors.BadFunctionArgument(opt.String(), fmt.Sprintf("header %q has no colon", h))
				}
			}
			o.headers = append([]string(nil), v...)
		case nil:
			o.headers = nil
		default:
			return xerrors.BadFunctionArgument(opt.String(), fmt.Sprintf("want []string, got %T", value))
		}

	case OptUserAgent:
		s, ok := value.(string)
		if !ok {
			return xerrors.BadFunctionArgument(opt.String(), fmt.Sprintf("want string, got %T", value))
		}
		o.userAgent = s

	case OptWriteData:
		switch v := value.(type) {
		case io.Writer:
			o.writer = v
		case nil:
			o.writer = nil
		default:
			return xerrors.BadFunctionArgument(opt.String(), fmt.Sprintf("want io.Writer, got %T", value))
		}

	case OptForbidReuse:
		b, err := toBool(opt, value)
		if err != nil {
			return err
		}
		o.forbidReuse = b

	case OptPrivate:
		o.private = value

	default:
		return xerrors.UnknownOption(opt.String())
	}
	return nil
}
