package common

import "errors"

// Error taxonomy shared by every gateway package. Wrap with %w and test with errors.Is.
var (
	ErrUnknownDevice   = errors.New("unknown device")
	ErrUnknownCommand  = errors.New("unknown command")
	ErrInvalidValue    = errors.New("invalid command value")
	ErrLinkWriteFailed = errors.New("link write failed")
	ErrLinkNotOpen     = errors.New("no connections open")
	ErrIOFailure       = errors.New("io failure")
	ErrParseFailure    = errors.New("parse failure")
)
