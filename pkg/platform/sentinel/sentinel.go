package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Stores, buses and brokers return
// these (optionally wrapped) so callers can translate them into domain errors.
//
//   - ErrNotFound: entity, connection or job does not exist
//   - ErrConflict: entity with the same identity already exists
//   - ErrExpired: lease or token has expired
//   - ErrInvalidState: entity is in the wrong state for the operation
//   - ErrUnavailable: bus, broker or database is temporarily unreachable
var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrExpired      = errors.New("expired")
	ErrInvalidState = errors.New("invalid state")
	ErrUnavailable  = errors.New("unavailable")
)
