package sentinel

import "errors"

// Sentinel errors for storage facts. Stores return these (optionally wrapped)
// and services translate them into domain errors or typed outcomes.
//
//   - ErrNotFound: record does not exist
//   - ErrConflict: uniqueness constraint would be violated
//   - ErrExpired: disclosure token is past its expiry
//   - ErrAlreadyUsed: disclosure token was consumed or revoked
//   - ErrInvalidState: record cannot make the requested transition
//   - ErrUnavailable: backing store temporarily unreachable
//
// Input validation failures belong in pkg/domain-errors, not here.
var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrExpired      = errors.New("expired")
	ErrAlreadyUsed  = errors.New("already used")
	ErrInvalidState = errors.New("invalid state")
	ErrUnavailable  = errors.New("unavailable")
)
