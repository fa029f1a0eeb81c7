// Package view guarantees that each user has at most one live actionable
// surface. Presenting a new action prompt or error-with-recovery first
// invalidates the previous one; informational surfaces are never tracked.
package view

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/atmx/session-engine/internal/metrics"
	"github.com/atmx/session-engine/internal/model"
)

// Presenter renders surfaces on a concrete transport.
type Presenter interface {
	// Present renders s for userID and returns a handle to it.
	Present(ctx context.Context, userID string, s model.Surface) (model.SurfaceRef, error)
	// Invalidate disables the actions of a previously presented surface.
	Invalidate(ctx context.Context, userID string, ref model.SurfaceRef) error
}

// Controller tracks the active surface per user.
type Controller struct {
	presenter Presenter
	log       *slog.Logger

	mu    sync.Mutex
	users map[string]*userSlot
}

type userSlot struct {
	mu     sync.Mutex
	active model.SurfaceRef
}

// NewController creates a view controller on top of presenter.
func NewController(presenter Presenter, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		presenter: presenter,
		log:       logger.With(slog.String("component", "view")),
		users:     make(map[string]*userSlot),
	}
}

func (c *Controller) slot(userID string) *userSlot {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.users[userID]
	if !ok {
		s = &userSlot{}
		c.users[userID] = s
	}
	return s
}

// Present renders s. For actionable kinds the prior surface is invalidated
// first and the new reference replaces it. An invalidation failure is logged
// and the old reference is dropped anyway.
func (c *Controller) Present(ctx context.Context, userID string, s model.Surface) (model.SurfaceRef, error) {
	if !s.Kind.Actionable() {
		ref, err := c.presenter.Present(ctx, userID, s)
		if err != nil {
			return "", fmt.Errorf("view: present: %w", err)
		}
		return ref, nil
	}

	slot := c.slot(userID)
	slot.mu.Lock()
	defer slot.mu.Unlock()

	c.invalidateLocked(ctx, userID, slot)

	ref, err := c.presenter.Present(ctx, userID, s)
	if err != nil {
		return "", fmt.Errorf("view: present: %w", err)
	}
	slot.active = ref
	return ref, nil
}

// InvalidateActive disables the user's live surface, if any.
func (c *Controller) InvalidateActive(ctx context.Context, userID string) {
	slot := c.slot(userID)
	slot.mu.Lock()
	defer slot.mu.Unlock()
	c.invalidateLocked(ctx, userID, slot)
}

// Active returns the tracked reference for userID.
func (c *Controller) Active(userID string) (model.SurfaceRef, bool) {
	slot := c.slot(userID)
	slot.mu.Lock()
	defer slot.mu.Unlock()
	return slot.active, slot.active != ""
}

func (c *Controller) invalidateLocked(ctx context.Context, userID string, slot *userSlot) {
	if slot.active == "" {
		return
	}
	if err := c.presenter.Invalidate(ctx, userID, slot.active); err != nil {
		metrics.ViewInvalidations.WithLabelValues("error").Inc()
		c.log.Warn("failed to invalidate previous surface", "user", userID, "ref", string(slot.active), "err", err)
	} else {
		metrics.ViewInvalidations.WithLabelValues("ok").Inc()
	}
	slot.active = ""
}
