// Package apperr defines the failure kinds shared by calibration, forecasting
// and the upstream clients. Every kind has a sentinel usable with errors.Is;
// New attaches device and detail context while keeping the kind comparable.
package apperr

import (
	"errors"
	"fmt"
)

// Kind names a distinguishable failure reason
type Kind string

const (
	KindNoData              Kind = "no_data"
	KindNoDeviceData        Kind = "no_device_data"
	KindNoTemporalMatch     Kind = "no_temporal_match"
	KindNoSpatialMatch      Kind = "no_spatial_match"
	KindInsufficientData    Kind = "insufficient_data"
	KindDegenerateFit       Kind = "degenerate_fit"
	KindInsufficientSeries  Kind = "insufficient_series"
	KindPersistence         Kind = "persistence_error"
	KindUpstreamUnavailable Kind = "upstream_unavailable"
	KindUpstreamBadResponse Kind = "upstream_bad_response"
)

// Error carries a Kind plus enough context to reproduce the failure
type Error struct {
	Kind     Kind
	DeviceID string
	Detail   string
	Err      error
}

var (
	ErrNoData              = &Error{Kind: KindNoData}
	ErrNoDeviceData        = &Error{Kind: KindNoDeviceData}
	ErrNoTemporalMatch     = &Error{Kind: KindNoTemporalMatch}
	ErrNoSpatialMatch      = &Error{Kind: KindNoSpatialMatch}
	ErrInsufficientData    = &Error{Kind: KindInsufficientData}
	ErrDegenerateFit       = &Error{Kind: KindDegenerateFit}
	ErrInsufficientSeries  = &Error{Kind: KindInsufficientSeries}
	ErrPersistence         = &Error{Kind: KindPersistence}
	ErrUpstreamUnavailable = &Error{Kind: KindUpstreamUnavailable}
	ErrUpstreamBadResponse = &Error{Kind: KindUpstreamBadResponse}
)

// New builds an Error of the given kind with a formatted detail
func New(kind Kind, deviceID string, format string, args ...any) *Error {
	return &Error{Kind: kind, DeviceID: deviceID, Detail: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error of the given kind around a cause
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...), Err: err}
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.DeviceID != "" {
		msg += " (device " + e.DeviceID + ")"
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Is matches any *Error with the same Kind
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the Kind of the first *Error in err's chain, or "" if none
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsUpstream reports whether err came from a store or reference fetch
func IsUpstream(err error) bool {
	switch KindOf(err) {
	case KindUpstreamUnavailable, KindUpstreamBadResponse:
		return true
	}
	return false
}
