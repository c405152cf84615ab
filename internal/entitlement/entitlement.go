// Package entitlement propagates role changes to the surrounding application.
package entitlement

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ashgrove/subsync/internal/domain"
)

// Notifier applies a derived entitlement role for a user.
type Notifier interface {
	SetRole(ctx context.Context, userID string, role domain.Role) error
}

// LogNotifier records role changes to the log. Used when no downstream
// entitlement system is wired in.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a notifier that only logs.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// SetRole logs the role assignment.
func (n *LogNotifier) SetRole(ctx context.Context, userID string, role domain.Role) error {
	n.logger.InfoContext(ctx, "entitlement role set",
		slog.String("user_id", userID),
		slog.String("role", string(role)))
	return nil
}

// MockNotifier is a test notifier that records role assignments.
type MockNotifier struct {
	mu sync.Mutex

	// SetRoleFunc allows customizing role assignment behavior
	SetRoleFunc func(ctx context.Context, userID string, role domain.Role) error

	// Roles holds the last role set per user
	Roles map[string]domain.Role

	// CallLog tracks calls for test assertions
	CallLog []string
}

// NewMockNotifier creates a new mock notifier.
func NewMockNotifier() *MockNotifier {
	return &MockNotifier{Roles: make(map[string]domain.Role)}
}

// SetRole records the role assignment.
func (n *MockNotifier) SetRole(ctx context.Context, userID string, role domain.Role) error {
	n.mu.Lock()
	n.CallLog = append(n.CallLog, fmt.Sprintf("SetRole(%s, %s)", userID, role))
	n.mu.Unlock()

	if n.SetRoleFunc != nil {
		return n.SetRoleFunc(ctx, userID, role)
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	n.Roles[userID] = role
	return nil
}

// RoleFor returns the last role recorded for a user, defaulting to user.
func (n *MockNotifier) RoleFor(userID string) domain.Role {
	n.mu.Lock()
	defer n.mu.Unlock()
	if r, ok := n.Roles[userID]; ok {
		return r
	}
	return domain.RoleUser
}
