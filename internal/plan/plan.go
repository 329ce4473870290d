// Package plan exposes the quota gate consulted by the upload coordinator.
// Real plan/billing enforcement lives in another service; this package
// defines the contract plus a static implementation for single-tenant and
// development deployments.
package plan

import (
	"context"
	"errors"
	"fmt"
)

// ErrLimitExceeded is returned when an upload size is over the caller's
// plan ceiling.
var ErrLimitExceeded = errors.New("plan: size limit exceeded")

// Gate answers whether a user may store an object of the given size.
type Gate interface {
	// CheckSize returns ErrLimitExceeded (possibly wrapped) when
	// sizeBytes is over the user's ceiling, nil otherwise.
	CheckSize(ctx context.Context, userID string, sizeBytes int64) error
}

// StaticGate enforces one fixed ceiling for every user.
type StaticGate struct {
	// MaxBytes is the ceiling. Zero or negative disables the check.
	MaxBytes int64
}

var _ Gate = (*StaticGate)(nil)

// CheckSize implements Gate.
func (g *StaticGate) CheckSize(_ context.Context, _ string, sizeBytes int64) error {
	if g.MaxBytes > 0 && sizeBytes > g.MaxBytes {
		return fmt.Errorf("%w: %d bytes over the %d byte ceiling", ErrLimitExceeded, sizeBytes, g.MaxBytes)
	}
	return nil
}
