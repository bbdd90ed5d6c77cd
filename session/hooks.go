package session

import (
	"context"
	"fmt"

	"github.com/hydrantlabs/oauth-server/storage"
)

// Hooks observes session lifecycle transitions. Every field is optional.
// Before hooks run ahead of the store mutation and abort it by returning
// an error; After hooks run once the mutation has been persisted. All
// hooks are invoked synchronously in registration order.
type Hooks struct {
	// BeforeCreate runs before a session is persisted. Returning an
	// error aborts the sign-in.
	BeforeCreate func(ctx context.Context, userID string) error

	// AfterCreate runs after a session has been persisted.
	AfterCreate func(ctx context.Context, session *storage.Session)

	// BeforeDelete runs before a session is removed. Returning an error
	// aborts the sign-out.
	BeforeDelete func(ctx context.Context, sessionID string) error

	// AfterDelete runs after a session has been removed. It does not run
	// when the session was already absent.
	AfterDelete func(ctx context.Context, sessionID string)
}

// RegisterHooks appends a lifecycle observer. Not safe to call
// concurrently with session operations; register during setup.
func (m *Manager) RegisterHooks(h Hooks) {
	m.hooks = append(m.hooks, h)
}

func (m *Manager) runBeforeCreate(ctx context.Context, userID string) error {
	for _, h := range m.hooks {
		if h.BeforeCreate == nil {
			continue
		}
		if err := h.BeforeCreate(ctx, userID); err != nil {
			return fmt.Errorf("session creation rejected: %w", err)
		}
	}
	return nil
}

func (m *Manager) runAfterCreate(ctx context.Context, session *storage.Session) {
	for _, h := range m.hooks {
		if h.AfterCreate != nil {
			h.AfterCreate(ctx, session)
		}
	}
}

func (m *Manager) runBeforeDelete(ctx context.Context, sessionID string) error {
	for _, h := range m.hooks {
		if h.BeforeDelete == nil {
			continue
		}
		if err := h.BeforeDelete(ctx, sessionID); err != nil {
			return fmt.Errorf("session deletion rejected: %w", err)
		}
	}
	return nil
}

func (m *Manager) runAfterDelete(ctx context.Context, sessionID string) {
	for _, h := range m.hooks {
		if h.AfterDelete != nil {
			h.AfterDelete(ctx, sessionID)
		}
	}
}
