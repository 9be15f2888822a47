package testutil

import (
	"IsoLedger/internal/vault"
	"context"
	"errors"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

var ErrVenueDown = errors.New("testutil: venue unavailable")

// FakeVenue records submissions and cancellations in memory.
type FakeVenue struct {
	mu          sync.Mutex
	Deposits    []*vault.Request
	Withdrawals []*vault.Request
	Cancelled   []common.Hash
	// Fail makes every call return ErrVenueDown.
	Fail bool
	// Executed keys refuse cancellation.
	Executed map[common.Hash]bool
}

func NewFakeVenue() *FakeVenue {
	return &FakeVenue{Executed: make(map[common.Hash]bool)}
}

func (v *FakeVenue) SubmitDeposit(_ context.Context, req *vault.Request) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.Fail {
		return ErrVenueDown
	}
	v.Deposits = append(v.Deposits, req)
	return nil
}

func (v *FakeVenue) SubmitWithdrawal(_ context.Context, req *vault.Request) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.Fail {
		return ErrVenueDown
	}
	v.Withdrawals = append(v.Withdrawals, req)
	return nil
}

func (v *FakeVenue) Cancel(_ context.Context, key common.Hash) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.Fail {
		return ErrVenueDown
	}
	if v.Executed[key] {
		return errors.New("testutil: request already executed by venue")
	}
	v.Cancelled = append(v.Cancelled, key)
	return nil
}

func (v *FakeVenue) Submissions() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.Deposits) + len(v.Withdrawals)
}

// MemoryStore is an in-memory vault.RequestStore.
type MemoryStore struct {
	mu       sync.Mutex
	Requests map[common.Hash]*vault.Request
	Tip      common.Hash
	Nonce    uint64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{Requests: make(map[common.Hash]*vault.Request)}
}

func (s *MemoryStore) SaveRequest(_ context.Context, req *vault.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Requests[req.Key] = req.Clone()
	return nil
}

func (s *MemoryStore) DeleteRequest(_ context.Context, key common.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.Requests, key)
	return nil
}

func (s *MemoryStore) SaveKeyChain(_ context.Context, tip common.Hash, nonce uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Tip, s.Nonce = tip, nonce
	return nil
}
