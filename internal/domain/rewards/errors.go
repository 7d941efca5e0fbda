package rewards

import "errors"

// Sentinel error kinds for this package.
var (
	ErrInvalidConfig = errors.New("invalid rewards config")
	ErrNotLoaded     = errors.New("rewards config not loaded")
	ErrLoadConfig    = errors.New("load rewards config failed")
)
