package tier

import "github.com/okian/partners/internal/domain/errs"

// Sentinel error kinds for this package.
var (
	ErrAdminRequired     = errs.Sentinel(errs.ErrForbidden, "admin rights required")
	ErrReasonTooShort    = errs.Sentinel(errs.ErrValidation, "reason must be at least 10 characters")
	ErrInvalidTier       = errs.Sentinel(errs.ErrValidation, "invalid tier")
	ErrRequirementsUnmet = errs.Sentinel(errs.ErrValidation, "tier requirements not met")
)
