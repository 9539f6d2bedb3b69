package domain

import "errors"

var (
	ErrTemporarilyUnavailable = errors.New("temporarily unavailable")
	ErrInvalidTarget          = errors.New("invalid target")
)
