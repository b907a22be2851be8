package models

import (
	"errors"
)

var (
	ErrValidation        = errors.New("validation error")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrUnknownModel      = errors.New("unknown flight model")
)
