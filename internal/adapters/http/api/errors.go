package api

import "errors"

// Sentinel kinds for API errors.
var (
	ErrBadRequest      = errors.New("bad request")
	ErrUnauthenticated = errors.New("actor identity required")
	ErrUnauthorized    = errors.New("invalid cron credentials")
)
