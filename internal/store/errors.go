package store

import "errors"

var (
	ErrNotFound  = errors.New("store: resource not found")
	ErrDuplicate = errors.New("store: duplicate resource")
	ErrConflict  = errors.New("store: conflicting resource state")
	// ErrInsufficientCredits is returned when a wallet cannot cover a charge.
	ErrInsufficientCredits = errors.New("store: insufficient credits")
)
