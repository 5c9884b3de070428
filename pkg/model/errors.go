package model

import (
	"errors"
	"fmt"
)

type ErrorKind string

const (
	KindNone                  ErrorKind = ""
	KindConnect               ErrorKind = "connect"
	KindPoolExhausted         ErrorKind = "pool_exhausted"
	KindQuery                 ErrorKind = "query"
	KindTimeout               ErrorKind = "timeout"
	KindCanceled              ErrorKind = "canceled"
	KindChecksumMismatch      ErrorKind = "checksum_mismatch"
	KindReplicationTimeout    ErrorKind = "replication_timeout"
	KindResourceLeakSuspected ErrorKind = "resource_leak_suspected"
)

var (
	ErrConnect            = errors.New("cannot establish database session")
	ErrPoolExhausted      = errors.New("no connection available within acquire timeout")
	ErrPoolClosed         = errors.New("pool is closed")
	ErrChecksumMismatch   = errors.New("replica payload checksum mismatch")
	ErrReplicationTimeout = errors.New("probe not visible on replica within wait window")
	ErrUnknownScenario    = errors.New("unknown scenario")
	ErrUnknownEndpoint    = errors.New("unknown endpoint")
	ErrInvalidConfig      = errors.New("invalid configuration")
)

// ConnectError reports a session that could not be established to an
// endpoint. It matches ErrConnect with errors.Is.
type ConnectError struct {
	Endpoint string
	Err      error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Endpoint, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

func (e *ConnectError) Is(target error) bool {
	return target == ErrConnect
}

type Severity string

const (
	SeverityHigh     Severity = "high"
	SeverityWarning  Severity = "warning"
	SeverityAdvisory Severity = "advisory"
)

// Finding is a reportable observation made during a run.
type Finding struct {
	Suite    Suite     `json:"suite"`
	Kind     ErrorKind `json:"kind"`
	Severity Severity  `json:"severity"`
	Message  string    `json:"message"`
}
