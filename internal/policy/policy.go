// Package policy is the permission oracle consumed by the engine dispatcher.
// The real record-level policy engine lives outside the core; the engine only
// asks whether a principal may invoke an object.
package policy

import (
	"sync"

	apperrors "github.com/R3E-Network/appos/internal/errors"
)

// Actions the engine asks about.
const (
	ActionInvoke = "invoke"
	ActionRead   = "read"
)

// SystemUser is the principal used for scheduler-started work.
const SystemUser = "system"

// Oracle answers permission questions. A nil error means allow.
type Oracle interface {
	Check(principal, objectRef, action string) error
}

// AllowAll permits everything. Used in development and tests.
type AllowAll struct{}

func (AllowAll) Check(string, string, string) error { return nil }

// Static is a deny-list oracle: every (principal, ref) pair added with Deny
// is refused, everything else allowed. The system principal is never denied.
type Static struct {
	mu     sync.RWMutex
	denied map[string]map[string]bool
}

// NewStatic creates an empty static oracle.
func NewStatic() *Static {
	return &Static{denied: make(map[string]map[string]bool)}
}

// Deny refuses objectRef for principal.
func (s *Static) Deny(principal, objectRef string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.denied[principal] == nil {
		s.denied[principal] = make(map[string]bool)
	}
	s.denied[principal][objectRef] = true
}

func (s *Static) Check(principal, objectRef, action string) error {
	if principal == SystemUser {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.denied[principal][objectRef] {
		return apperrors.Security(apperrors.CodePermissionDenied,
			"principal %q may not %s", principal, action).WithRef(objectRef)
	}
	return nil
}
