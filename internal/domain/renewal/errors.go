package renewal

import (
	"errors"

	"github.com/okian/partners/internal/domain/errs"
)

// Sentinel error kinds for this package.
var (
	ErrRunInProgress = errs.Sentinel(errs.ErrConflict, "renewal run in progress")
	ErrNoRequirement = errors.New("no requirement configured for tier")
	ErrInvalidPolicy = errs.Sentinel(errs.ErrValidation, "invalid manual override policy")
)
