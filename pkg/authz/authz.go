// Package authz is the permission collaborator boundary. The engine only
// checks membership of fixed permission strings; how permissions are granted
// lives outside this module.
package authz

import (
	"context"
	"sync"
)

// Permission strings the workflow engine checks.
const (
	// PermAdvance allows advancing a workflow along satisfied dependencies.
	PermAdvance = "workflow.advance"
	// PermOverride allows forcing transitions past dependency and completion
	// checks.
	PermOverride = "workflow.override"
)

// Set is a user's permission strings.
type Set map[string]struct{}

// NewSet builds a Set from permission strings.
func NewSet(perms ...string) Set {
	s := make(Set, len(perms))
	for _, p := range perms {
		s[p] = struct{}{}
	}
	return s
}

// Has reports whether the set contains perm.
func (s Set) Has(perm string) bool {
	_, ok := s[perm]
	return ok
}

// Source resolves a user's permissions.
type Source interface {
	Permissions(ctx context.Context, userID string) (Set, error)
}

// StaticSource is an in-memory Source. Thread-safe via RWMutex.
type StaticSource struct {
	mu    sync.RWMutex
	users map[string]Set
}

// NewStaticSource creates an empty source.
func NewStaticSource() *StaticSource {
	return &StaticSource{users: make(map[string]Set)}
}

// Grant adds permissions to a user. Idempotent.
func (s *StaticSource) Grant(userID string, perms ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.users[userID]
	if !ok {
		set = make(Set, len(perms))
		s.users[userID] = set
	}
	for _, p := range perms {
		set[p] = struct{}{}
	}
}

// Revoke removes permissions from a user.
func (s *StaticSource) Revoke(userID string, perms ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.users[userID]
	if !ok {
		return
	}
	for _, p := range perms {
		delete(set, p)
	}
}

// Permissions returns a copy of the user's set; unknown users get an empty
// set, not an error.
func (s *StaticSource) Permissions(ctx context.Context, userID string) (Set, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := s.users[userID]
	out := make(Set, len(set))
	for p := range set {
		out[p] = struct{}{}
	}
	return out, nil
}
