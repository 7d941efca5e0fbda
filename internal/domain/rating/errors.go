package rating

import "github.com/okian/partners/internal/domain/errs"

// Sentinel kinds for rating errors.
var (
	ErrInvalidEvent   = errs.Sentinel(errs.ErrValidation, "invalid rating event")
	ErrInvalidWeights = errs.Sentinel(errs.ErrValidation, "invalid rating weights")
)
