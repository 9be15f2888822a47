// Package registry is the address book every component resolves its
// collaborators through. Components refer to each other by address only,
// so the vault, its factory and the adapters never hold owning pointers to
// one another.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrZeroAddress       = errors.New("registry: zero address")
	ErrAlreadyRegistered = errors.New("registry: address already registered")
	ErrNotRegistered     = errors.New("registry: address not registered")
	ErrWrongComponent    = errors.New("registry: component does not implement the requested capability")
)

type entry struct {
	name      string
	component any
}

// Registry maps stable addresses to live components.
type Registry struct {
	mu      sync.RWMutex
	entries map[common.Address]entry
}

func New() *Registry {
	return &Registry{
		entries: make(map[common.Address]entry),
	}
}

// Register binds addr to component. Addresses are never rebound.
func (r *Registry) Register(addr common.Address, name string, component any) error {
	if addr == (common.Address{}) {
		return ErrZeroAddress
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.entries[addr]; ok {
		return fmt.Errorf("%w: %s is %s", ErrAlreadyRegistered, addr.Hex(), existing.name)
	}
	r.entries[addr] = entry{name: name, component: component}
	return nil
}

// Lookup returns the raw component bound to addr.
func (r *Registry) Lookup(addr common.Address) (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[addr]
	return e.component, ok
}

// Name returns the registered name for addr, or "" if unknown.
func (r *Registry) Name(addr common.Address) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[addr].name
}

// Addresses lists every registered address in ascending order.
func (r *Registry) Addresses() []common.Address {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]common.Address, 0, len(r.entries))
	for addr := range r.entries {
		out = append(out, addr)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Cmp(out[j]) < 0
	})
	return out
}

// Resolve looks up addr and asserts it to capability T.
func Resolve[T any](r *Registry, addr common.Address) (T, error) {
	var zero T
	component, ok := r.Lookup(addr)
	if !ok {
		return zero, fmt.Errorf("%w: %s", ErrNotRegistered, addr.Hex())
	}
	typed, ok := component.(T)
	if !ok {
		return zero, fmt.Errorf("%w: %s (%s)", ErrWrongComponent, addr.Hex(), r.Name(addr))
	}
	return typed, nil
}

// DeriveAddress produces a deterministic address from a namespace and parts,
// keccak256(namespace || parts...)[12:].
func DeriveAddress(namespace string, parts ...[]byte) common.Address {
	chunks := make([][]byte, 0, len(parts)+1)
	chunks = append(chunks, []byte(namespace))
	chunks = append(chunks, parts...)
	return common.BytesToAddress(crypto.Keccak256(chunks...)[12:])
}
