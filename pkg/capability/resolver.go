package capability

import (
	"errors"
	"fmt"
	"sync"
)

var ErrUnresolvedCapability = errors.New("unresolved capability")

// UnresolvedError names the capability kind and signature that had no match.
type UnresolvedError struct {
	Kind      string
	Signature Signature
}

func (e *UnresolvedError) Error() string {
	return fmt.Sprintf("no %s registered for %s", e.Kind, e.Signature)
}

func (e *UnresolvedError) Unwrap() error {
	return ErrUnresolvedCapability
}

type registration[T any] struct {
	sig      Signature
	provider T
	factory  func() (T, error)
}

// Resolver holds competing providers of one capability kind and picks the
// most specific one for a live signature.
type Resolver[T any] struct {
	kind string

	mu   sync.RWMutex
	regs []registration[T]
}

func NewResolver[T any](kind string) *Resolver[T] {
	return &Resolver[T]{kind: kind}
}

// Register adds a provider. Registering the same signature twice replaces
// the earlier provider.
func (r *Resolver[T]) Register(sig Signature, provider T) {
	r.add(registration[T]{sig: sig, provider: provider})
}

// RegisterFactory adds a provider built on every resolution.
func (r *Resolver[T]) RegisterFactory(sig Signature, factory func() (T, error)) {
	r.add(registration[T]{sig: sig, factory: factory})
}

func (r *Resolver[T]) add(reg registration[T]) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.regs {
		if r.regs[i].sig.same(reg.sig) {
			r.regs[i] = reg
			return
		}
	}
	r.regs = append(r.regs, reg)
}

// Resolve returns the provider of the best matching registration.
//
// A registration matches when its product name equals the query's, its
// product version (if set) equals the query's, and its (major, minor) does
// not exceed the query's, with unset fields ordered below every number.
// Among matches the most specific wins (minor, then major, then version
// string, then bare name); ties go to the highest (major, minor).
func (r *Resolver[T]) Resolve(query Signature) (T, error) {
	r.mu.RLock()
	best := -1
	for i, reg := range r.regs {
		if !matches(reg.sig, query) {
			continue
		}
		if best < 0 || better(reg.sig, r.regs[best].sig) {
			best = i
		}
	}
	var reg registration[T]
	if best >= 0 {
		reg = r.regs[best]
	}
	r.mu.RUnlock()

	if best < 0 {
		var zero T
		return zero, &UnresolvedError{Kind: r.kind, Signature: query}
	}
	if reg.factory != nil {
		provider, err := reg.factory()
		if err != nil {
			var zero T
			return zero, fmt.Errorf("failed to build %s for %s: %w", r.kind, reg.sig, err)
		}
		return provider, nil
	}
	return reg.provider, nil
}

// ResolveOrDefault falls back to def when nothing matches.
func (r *Resolver[T]) ResolveOrDefault(query Signature, def T) (T, error) {
	provider, err := r.Resolve(query)
	if errors.Is(err, ErrUnresolvedCapability) {
		return def, nil
	}
	return provider, err
}

func (r *Resolver[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.regs)
}

func matches(reg, query Signature) bool {
	if reg.ProductName != query.ProductName {
		return false
	}
	if reg.ProductVersion != "" && reg.ProductVersion != query.ProductVersion {
		return false
	}
	return compareVersion(reg, query) <= 0
}

func better(a, b Signature) bool {
	if sa, sb := a.specificity(), b.specificity(); sa != sb {
		return sa > sb
	}
	return compareVersion(a, b) > 0
}
