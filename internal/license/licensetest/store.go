// Package licensetest provides an in-memory license.Store for tests.
package licensetest

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/nukemymac/nukemymac-server/internal/license"
)

// Store is a mutex-guarded in-memory license.Store.
type Store struct {
	mu        sync.Mutex
	byKey     map[string]*license.License
	bySession map[string]string

	// Err, when set, is returned by every call.
	Err error
	// KeyFunc overrides key generation.
	KeyFunc func(license.Tier) (string, error)
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{
		byKey:     make(map[string]*license.License),
		bySession: make(map[string]string),
		KeyFunc:   license.GenerateKey,
	}
}

var _ license.Store = (*Store)(nil)

func clone(l *license.License) *license.License {
	c := *l
	c.ActivatedMachineIDs = slices.Clone(l.ActivatedMachineIDs)
	if l.ExpiresAt != nil {
		t := *l.ExpiresAt
		c.ExpiresAt = &t
	}
	if l.ActivatedAt != nil {
		t := *l.ActivatedAt
		c.ActivatedAt = &t
	}
	return &c
}

// Put inserts a license as-is, replacing any with the same key.
func (s *Store) Put(l *license.License) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byKey[l.Key] = clone(l)
	if l.PaymentSessionID != "" {
		s.bySession[l.PaymentSessionID] = l.Key
	}
}

// Len returns the number of stored licenses.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byKey)
}

func (s *Store) CreateIfAbsent(_ context.Context, d license.Draft) (*license.License, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, false, s.Err
	}

	if key, ok := s.bySession[d.PaymentSessionID]; ok {
		return clone(s.byKey[key]), false, nil
	}

	var key string
	for attempt := 0; ; attempt++ {
		if attempt == license.MaxKeyAttempts {
			return nil, false, license.ErrConflict
		}
		k, err := s.KeyFunc(d.Tier)
		if err != nil {
			return nil, false, err
		}
		if _, taken := s.byKey[k]; !taken {
			key = k
			break
		}
	}

	l := &license.License{
		Key:                 key,
		Tier:                d.Tier,
		Email:               d.Email,
		Status:              license.StatusActive,
		PaymentSessionID:    d.PaymentSessionID,
		MaxActivations:      d.MaxActivations,
		ActivatedMachineIDs: []string{},
		CreatedAt:           d.CreatedAt,
		UpdatedAt:           d.CreatedAt,
		ExpiresAt:           d.ExpiresAt,
	}
	s.byKey[key] = l
	s.bySession[d.PaymentSessionID] = key
	return clone(l), true, nil
}

func (s *Store) FindByKey(_ context.Context, key string) (*license.License, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	l, ok := s.byKey[key]
	if !ok {
		return nil, license.ErrNotFound
	}
	return clone(l), nil
}

func (s *Store) FindBySessionID(_ context.Context, sessionID string) (*license.License, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	key, ok := s.bySession[sessionID]
	if !ok {
		return nil, license.ErrNotFound
	}
	return clone(s.byKey[key]), nil
}

func (s *Store) UpdateActivation(_ context.Context, u license.ActivationUpdate) (*license.License, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	l, ok := s.byKey[u.Key]
	if !ok {
		return nil, license.ErrNotFound
	}
	switch l.Status {
	case license.StatusRevoked:
		return nil, license.ErrRevoked
	case license.StatusExpired:
		return nil, license.ErrExpired
	}
	if l.HasMachine(u.MachineID) {
		return clone(l), nil
	}
	if u.Limit > 0 && l.ActivationCount >= u.Limit {
		return nil, license.ErrActivationLimit
	}

	l.ActivationCount++
	if u.MachineID != "" {
		l.ActivatedMachineIDs = append(l.ActivatedMachineIDs, u.MachineID)
	}
	if l.ActivatedAt == nil {
		at := u.At
		l.ActivatedAt = &at
	}
	l.UpdatedAt = u.At
	return clone(l), nil
}

func (s *Store) UpdateStatus(_ context.Context, key string, status license.Status) (*license.License, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	l, ok := s.byKey[key]
	if !ok {
		return nil, license.ErrNotFound
	}
	if !l.Status.CanTransition(status) {
		return nil, license.ErrInvalidTransition
	}
	if l.Status != status {
		l.Status = status
		l.UpdatedAt = time.Now().UTC()
	}
	return clone(l), nil
}

func (s *Store) ExpireDue(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return 0, s.Err
	}
	var n int64
	for _, l := range s.byKey {
		if l.Status == license.StatusActive && l.IsExpiredAt(now) {
			l.Status = license.StatusExpired
			l.UpdatedAt = now
			n++
		}
	}
	return n, nil
}
