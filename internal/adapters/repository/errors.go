package repository

import (
	"errors"

	"github.com/okian/partners/internal/domain/errs"
)

// Sentinel kinds for store errors. Each classifies under an errs kind.
var (
	ErrNotFound      = errs.Sentinel(errs.ErrNotFound, "record not found")
	ErrAlreadyExists = errs.Sentinel(errs.ErrConflict, "record already exists")
	ErrConflict      = errs.Sentinel(errs.ErrConflict, "concurrent modification")
	ErrInvalidInput  = errs.Sentinel(errs.ErrValidation, "invalid store input")
	ErrClosed        = errors.New("store closed")
)
