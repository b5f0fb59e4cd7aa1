// Package location samples a member's position and keeps their stored sample
// and online flag current while sharing is on.
package location

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"whereabouts/internal/config"
	"whereabouts/internal/fault"
	"whereabouts/internal/util"
)

type Position struct {
	Latitude   float64                `json:"latitude"`
	Longitude  float64                `json:"longitude"`
	Accuracy   util.Optional[float64] `json:"accuracy"`
	CapturedAt time.Time              `json:"captured_at"`
}

// Validate checks the coordinate ranges and that accuracy, when present, is a
// non-negative radius.
func (p Position) Validate() error {
	switch {
	case math.IsNaN(p.Latitude) || p.Latitude < -90 || p.Latitude > 90:
		return fmt.Errorf("%w: latitude %v out of range", ErrInvalidPosition, p.Latitude)
	case math.IsNaN(p.Longitude) || p.Longitude < -180 || p.Longitude > 180:
		return fmt.Errorf("%w: longitude %v out of range", ErrInvalidPosition, p.Longitude)
	case p.Accuracy.IsSet && (math.IsNaN(p.Accuracy.Val) || p.Accuracy.Val < 0):
		return fmt.Errorf("%w: accuracy must not be negative", ErrInvalidPosition)
	}
	return nil
}

// Options are hints passed to the platform; it decides when readings arrive.
type Options struct {
	HighAccuracy bool
	Timeout      time.Duration

	// MaximumAge is how old a cached reading may be and still count as current.
	MaximumAge time.Duration
}

func DefaultOptions() Options {
	return Options{
		HighAccuracy: true,
		Timeout:      15 * time.Second,
		MaximumAge:   30 * time.Second,
	}
}

func OptionsFromConfig(cfg config.GeoConfig) Options {
	return Options{
		HighAccuracy: cfg.HighAccuracy,
		Timeout:      cfg.Timeout,
		MaximumAge:   cfg.MaximumAge,
	}
}

var (
	ErrUnsupported         = fmt.Errorf("%w: geolocation is not available", fault.ErrUnsupported)
	ErrPermissionDenied    = fmt.Errorf("%w: location access was denied", fault.ErrPermission)
	ErrPositionUnavailable = errors.New("position unavailable")
	ErrTimeout             = errors.New("timed out waiting for a position")
	ErrInvalidPosition     = fmt.Errorf("%w: invalid position", fault.ErrValidation)
)

// Reading error codes as reported by browsers.
const (
	CodePermissionDenied    = 1
	CodePositionUnavailable = 2
	CodeTimeout             = 3
)

// ErrorFromCode maps a device reading error to the matching sentinel, keeping
// the device's message.
func ErrorFromCode(code int, message string) error {
	var base error
	switch code {
	case CodePermissionDenied:
		base = ErrPermissionDenied
	case CodeTimeout:
		base = ErrTimeout
	default:
		base = ErrPositionUnavailable
	}
	if message == "" {
		return base
	}
	return fmt.Errorf("%w: %s", base, message)
}

type Watch interface {
	// Clear stops the watch. Callbacks already running may still finish.
	Clear()
}

type watchFunc func()

func (f watchFunc) Clear() { f() }

// Geolocator is the device's position source: a one-shot request and a
// cancellable continuous stream.
type Geolocator interface {
	CurrentPosition(ctx context.Context, opts Options) (Position, error)
	Watch(opts Options, onPosition func(Position), onError func(error)) (Watch, error)
}
