package engine

import (
	"fmt"
	"time"

	xerrors "github.com/ajitpratap0/xfer-go/pkg/errors"
)

// Info identifies a value readable through Easy.GetInfo
type Info int

const (
	// InfoResponseCode is the last HTTP status received (int, 0 if none)
	InfoResponseCode Info = iota + 1
	// InfoEffectiveURL is the URL of the last transfer (string)
	InfoEffectiveURL
	// InfoNumConnects is the number of new connections the transfer made (int)
	InfoNumConnects
	// InfoConnectionReused reports whether a pooled connection was used (bool)
	InfoConnectionReused
	// InfoTotalTime is the duration of the last transfer (time.Duration)
	InfoTotalTime
	// InfoPrivate is the value set with OptPrivate (any)
	InfoPrivate
	// InfoScheme is the URL scheme of the last transfer (string)
	InfoScheme
)

var infoNames = map[Info]string{
	InfoResponseCode:     "RESPONSE_CODE",
	InfoEffectiveURL:     "EFFECTIVE_URL",
	InfoNumConnects:      "NUM_CONNECTS",
	InfoConnectionReused: "CONNECTION_REUSED",
	InfoTotalTime:        "TOTAL_TIME",
	InfoPrivate:          "PRIVATE",
	InfoScheme:           "SCHEME",
}

func (i Info) String() string {
	if name, ok := infoNames[i]; ok {
		return name
	}
	return fmt.Sprintf("Info(%d)", int(i))
}

// transferInfo is what the last transfer of an Easy left behind
type transferInfo struct {
	responseCode int
	effectiveURL string
	numConnects  int
	reused       bool
	totalTime    time.Duration
	scheme       string
	result       xerrors.ResultCode
	err          error
}

func (e *Easy) info(i Info) (any, error) {
	switch i {
	case InfoResponseCode:
		return e.last.responseCode, nil
	case InfoEffectiveURL:
		if e.last.effectiveURL == "" {
			return e.opts.url, nil
		}
		return e.last.effectiveURL, nil
	case InfoNumConnects:
		return e.last.numConnects, nil
	case InfoConnectionReused:
		return e.last.reused, nil
	case InfoTotalTime:
		return e.last.totalTime, nil
	case InfoPrivate:
		return e.opts.private, nil
	case InfoScheme:
		return e.last.scheme, nil
	}
	return nil, xerrors.UnknownOption(i.String())
}
