package models

import "errors"

var (
	ErrValidation           = errors.New("validation failed")
	ErrNotFound             = errors.New("notification not found")
	ErrReplyTimeout         = errors.New("reply timeout")
	ErrDuplicateCorrelation = errors.New("correlation id already awaited")
	ErrMalformedResponse    = errors.New("malformed response")
)
