// Package registry holds the in-memory set of known identities. It is
// volatile: persistence is the job of internal/store.
package registry

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/andresmejia3/facewatch/internal/types"
)

var (
	// ErrNotFound is returned by Remove and Update for unknown names.
	ErrNotFound = errors.New("identity not found")
	// ErrDuplicateName is returned by Add when the normalised name is taken.
	ErrDuplicateName = errors.New("identity name already registered")
	// ErrDimension is returned by Add when the embedding has the wrong length.
	ErrDimension = errors.New("embedding has wrong dimensionality")
	// ErrEmptyName is returned by Add for blank names.
	ErrEmptyName = errors.New("identity name is empty")
)

// Registry is the set of known identities in insertion order.
// All methods are safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	dim        int
	identities []*types.Identity
}

// New creates an empty registry accepting embeddings of length dim.
func New(dim int) *Registry {
	if dim <= 0 {
		dim = types.DescriptorDim
	}
	return &Registry{dim: dim}
}

// Dim returns the embedding length this registry accepts.
func (r *Registry) Dim() int {
	return r.dim
}

// Add registers a new identity. The embedding is copied.
func (r *Registry) Add(id types.Identity) error {
	name := strings.TrimSpace(id.Name)
	if name == "" {
		return ErrEmptyName
	}
	if len(id.Embedding) != r.dim {
		return fmt.Errorf("%w: got %d, want %d", ErrDimension, len(id.Embedding), r.dim)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.indexOf(name) >= 0 {
		return fmt.Errorf("%w: %q", ErrDuplicateName, name)
	}

	stored := &types.Identity{
		Name:         name,
		Embedding:    append([]float64(nil), id.Embedding...),
		RegisteredAt: id.RegisteredAt,
	}
	if stored.RegisteredAt.IsZero() {
		stored.RegisteredAt = time.Now()
	}
	r.identities = append(r.identities, stored)
	return nil
}

// Remove deletes the identity with the given name.
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.indexOf(name)
	if i < 0 {
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	r.identities = append(r.identities[:i], r.identities[i+1:]...)
	return nil
}

// Clear removes every identity and returns how many were dropped.
func (r *Registry) Clear() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.identities)
	r.identities = nil
	return n
}

// Len returns the number of identities.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.identities)
}

// List returns a copy of every identity in insertion order.
func (r *Registry) List() []types.Identity {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]types.Identity, 0, len(r.identities))
	for _, id := range r.identities {
		out = append(out, snapshot(id))
	}
	return out
}

// Get returns a copy of the named identity.
func (r *Registry) Get(name string) (types.Identity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	i := r.indexOf(name)
	if i < 0 {
		return types.Identity{}, false
	}
	return snapshot(r.identities[i]), true
}

// Update records the latest expressions seen for the named identity.
func (r *Registry) Update(name string, expressions types.Expressions, observedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.indexOf(name)
	if i < 0 {
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	id := r.identities[i]
	id.LastSeenExpressions = expressions.Clone()
	t := observedAt
	id.LastSeenAt = &t
	return nil
}

// WithLock runs fn with exclusive access to the live identities. The
// detection loop matches and evaluates a whole tick inside it so operator
// actions cannot interleave with a tick. fn must not retain the slice.
func (r *Registry) WithLock(fn func(identities []*types.Identity)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(r.identities)
}

func (r *Registry) indexOf(name string) int {
	key := NormalizeName(name)
	for i, id := range r.identities {
		if NormalizeName(id.Name) == key {
			return i
		}
	}
	return -1
}

func snapshot(id *types.Identity) types.Identity {
	out := types.Identity{
		Name:                id.Name,
		Embedding:           append([]float64(nil), id.Embedding...),
		RegisteredAt:        id.RegisteredAt,
		LastSeenExpressions: id.LastSeenExpressions.Clone(),
	}
	if id.LastSeenAt != nil {
		t := *id.LastSeenAt
		out.LastSeenAt = &t
	}
	return out
}
