package types

import "fmt"

// ErrValidation is wrapped by every error caused by bad caller input.
var ErrValidation = fmt.Errorf("validation failed")
