package web

import (
	"errors"
	"fmt"
	"testing"

	"whereabouts/internal/fault"
	"whereabouts/internal/location"
	"whereabouts/internal/membership"
	"whereabouts/internal/session"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
)

func TestDescribeError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantCode   int
		wantStatus string
	}{
		{name: "validation", err: membership.ErrNameRequired, wantCode: 400, wantStatus: "INVALID_ARGUMENT"},
		{name: "group not found", err: fmt.Errorf("feed: %w", membership.ErrGroupNotFound), wantCode: 404, wantStatus: "NOT_FOUND"},
		{name: "rate limited", err: membership.ErrTooManyAttempts, wantCode: 429, wantStatus: "RATE_LIMITED"},
		{name: "no identity", err: session.ErrNoIdentity, wantCode: 401, wantStatus: "UNAUTHENTICATED"},
		{name: "permission", err: location.ErrPermissionDenied, wantCode: 403, wantStatus: "PERMISSION_DENIED"},
		{name: "unsupported", err: location.ErrUnsupported, wantCode: 501, wantStatus: "UNSUPPORTED"},
		{name: "transient", err: fmt.Errorf("%w: reset", fault.ErrTransientStore), wantCode: 503, wantStatus: "UNAVAILABLE"},
		{name: "fiber", err: fiber.ErrNotFound, wantCode: 404, wantStatus: "NOT_FOUND"},
		{name: "unknown", err: errors.New("boom"), wantCode: 500, wantStatus: "SERVER_ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, status, message := describeError(tt.err)
			assert.Equal(t, tt.wantCode, code)
			assert.Equal(t, tt.wantStatus, status)
			assert.NotEmpty(t, message)
		})
	}
}
