package core

import (
	"errors"
	"fmt"
)

// Error codes for the mining packages
const (
	ErrCodeConfig              = 1
	ErrCodeResource            = 2
	ErrCodeTransient           = 3
	ErrCodeNoDevices           = 4
	ErrCodeOutOfMemory         = 5
	ErrCodeInvalidCreateDevice = 6
	ErrCodeDeviceUnhealthy     = 7
	ErrCodeConfigLocked        = 8
	ErrCodeNotInitialized      = 9
)

// MinerError is a structured error type for the mining packages
type MinerError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	Err     error  `json:"-"`
}

func (e *MinerError) Error() string {
	msg := fmt.Sprintf("miner: [%d] %s", e.Code, e.Message)
	if e.Details != "" {
		msg += ": " + e.Details
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *MinerError) Unwrap() error { return e.Err }

// Is matches any MinerError carrying the same code.
func (e *MinerError) Is(target error) bool {
	t, ok := target.(*MinerError)
	return ok && t.Code == e.Code
}

func NewError(code int, message string, details ...string) error {
	err := &MinerError{
		Code:    code,
		Message: message,
	}
	if len(details) > 0 {
		err.Details = details[0]
	}
	return err
}

// WrapError attaches a code to an underlying failure.
func WrapError(code int, message string, err error) error {
	return &MinerError{Code: code, Message: message, Err: err}
}

// Predefined errors
var (
	ErrInvalidConfig       = NewError(ErrCodeConfig, "invalid configuration")
	ErrResource            = NewError(ErrCodeResource, "device resource failure")
	ErrTransient           = NewError(ErrCodeTransient, "transient device error")
	ErrNoDevices           = NewError(ErrCodeNoDevices, "no GPU devices available")
	ErrOutOfMemory         = NewError(ErrCodeOutOfMemory, "insufficient device memory")
	ErrInvalidCreateDevice = NewError(ErrCodeInvalidCreateDevice, "invalid dataset creation device")
	ErrDeviceUnhealthy     = NewError(ErrCodeDeviceUnhealthy, "device unhealthy")
	ErrConfigLocked        = NewError(ErrCodeConfigLocked, "configuration locked after worker construction")
	ErrNotInitialized      = NewError(ErrCodeNotInitialized, "device not initialized")
)

// Code returns the MinerError code found in err's chain, or 0.
func Code(err error) int {
	var me *MinerError
	if errors.As(err, &me) {
		return me.Code
	}
	return 0
}

// IsConfigError reports whether err rejects a configuration.
func IsConfigError(err error) bool {
	switch Code(err) {
	case ErrCodeConfig, ErrCodeNoDevices, ErrCodeConfigLocked, ErrCodeInvalidCreateDevice:
		return true
	}
	return false
}

// IsResourceError reports whether err is a device resource failure that ends initialization.
func IsResourceError(err error) bool {
	switch Code(err) {
	case ErrCodeResource, ErrCodeOutOfMemory, ErrCodeInvalidCreateDevice:
		return true
	}
	return false
}

// IsTransient reports whether err is a recoverable launch or query failure.
func IsTransient(err error) bool {
	switch Code(err) {
	case ErrCodeTransient, ErrCodeDeviceUnhealthy:
		return true
	}
	return false
}
