package mediator

import (
	"context"
	"fmt"
	"sync"
)

// Resolver turns a human-readable identifier (login name, email) into
// a durable user key. Resolution is best-effort: a failure degrades to
// anonymous event logging, never to a failed request.
type Resolver interface {
	Resolve(ctx context.Context, identifier string) (string, error)
}

// ResolutionError reports a failed identity lookup.
type ResolutionError struct {
	Identifier string
	Err        error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolve identity %q: %v", e.Identifier, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// StaticResolver resolves identifiers from a fixed map. Used for demo
// deployments and tests; production wires a directory-backed resolver.
type StaticResolver struct {
	mu    sync.RWMutex
	users map[string]string
}

// NewStaticResolver creates a resolver over a fixed identifier map.
func NewStaticResolver(users map[string]string) *StaticResolver {
	if users == nil {
		users = make(map[string]string)
	}
	return &StaticResolver{users: users}
}

// Add registers an identifier mapping.
func (r *StaticResolver) Add(identifier, userKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users[identifier] = userKey
}

func (r *StaticResolver) Resolve(_ context.Context, identifier string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	key, ok := r.users[identifier]
	if !ok {
		return "", &ResolutionError{Identifier: identifier, Err: errUnknownIdentifier}
	}
	return key, nil
}

var errUnknownIdentifier = fmt.Errorf("unknown identifier")
