package domain

import "errors"

var (
	ErrDeviceAccessDenied = errors.New("device access denied")
	ErrRecipientOffline   = errors.New("recipient offline")
	ErrInvalidSignal      = errors.New("invalid signal")
	ErrInvalidTransition  = errors.New("invalid call status transition")
	ErrRecordNotFound     = errors.New("call record not found")
	ErrBusy               = errors.New("a call is already in progress")
	ErrNoCall             = errors.New("no call in progress")
	ErrNotRegistered      = errors.New("connection not registered")
	ErrUserNotFound       = errors.New("user not found")
	ErrNoTrack            = errors.New("no local track of that kind")
)
