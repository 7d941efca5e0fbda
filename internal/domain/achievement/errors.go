package achievement

import "github.com/okian/partners/internal/domain/errs"

// Sentinel error kinds for this package.
var (
	ErrReasonTooShort     = errs.Sentinel(errs.ErrValidation, "reason must be at least 10 characters")
	ErrUnknownAchievement = errs.Sentinel(errs.ErrNotFound, "unknown achievement")
	ErrAdminRequired      = errs.Sentinel(errs.ErrForbidden, "admin rights required")
)
