package domain

import "errors"

var (
	ErrNotFound        = errors.New("not found")
	ErrAlreadyExists   = errors.New("already exists")
	ErrLockHeld        = errors.New("lock already held")
	ErrMalformedEvent  = errors.New("malformed event")
	ErrUnknownExchange = errors.New("unknown exchange contract")
	ErrClosed          = errors.New("closed")
	ErrContextDone     = errors.New("context cancelled")
	ErrRateLimited     = errors.New("rate limited")
)
