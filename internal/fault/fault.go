// Package fault holds the error kinds shared across the service. Packages wrap
// these sentinels so callers can classify failures with errors.Is.
package fault

import "errors"

var (
	ErrValidation     = errors.New("validation failed")
	ErrNotFound       = errors.New("not found")
	ErrUnsupported    = errors.New("unsupported")
	ErrTransientStore = errors.New("store unavailable")
	ErrPermission     = errors.New("permission denied")
)

type Kind string

const (
	KindValidation     Kind = "VALIDATION"
	KindNotFound       Kind = "NOT_FOUND"
	KindUnsupported    Kind = "UNSUPPORTED"
	KindTransientStore Kind = "TRANSIENT_STORE"
	KindPermission     Kind = "PERMISSION"
	KindUnknown        Kind = "UNKNOWN"
)

// KindOf classifies err by the first matching sentinel.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrUnsupported):
		return KindUnsupported
	case errors.Is(err, ErrPermission):
		return KindPermission
	case errors.Is(err, ErrTransientStore):
		return KindTransientStore
	default:
		return KindUnknown
	}
}
