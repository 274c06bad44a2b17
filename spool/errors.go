package spool

import "errors"

var (
	// ErrDisabled indicates that endless spool is switched off.
	ErrDisabled = errors.New("spool: endless spool disabled")

	// ErrNoMatch indicates that no ready slot matches the spool that ran out.
	ErrNoMatch = errors.New("spool: no matching spool")

	// ErrSwapFailed indicates that every swap attempt failed.
	ErrSwapFailed = errors.New("spool: swap failed")
)
