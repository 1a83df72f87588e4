package authflow

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// defaultTransactionTTL bounds how long an abandoned authorization attempt
// stays consumable.
const defaultTransactionTTL = time.Hour

// transaction records one in-flight authorization attempt, keyed by state.
// The code verifier and nonce never leave the process except through the
// token exchange.
type transaction struct {
	State        string `json:"state"`
	Nonce        string `json:"nonce"`
	CodeVerifier string `json:"code_verifier"`
	Scope        string `json:"scope"`
	Audience     string `json:"audience"`
	RedirectURI  string `json:"redirect_uri,omitempty"`
	AppState     string `json:"app_state,omitempty"`
	CreatedAt    int64  `json:"created_at"`
}

// transactionStore persists in-flight authorization attempts. Consumption
// is read-and-delete under one mutex, so duplicate delivery of a callback
// can never process the same attempt twice.
type transactionStore struct {
	mu        sync.Mutex
	storage   Storage
	ttl       time.Duration
	now       func() time.Time
	done      chan struct{}
	closeOnce sync.Once
}

func newTransactionStore(storage Storage, ttl time.Duration, now func() time.Time) *transactionStore {
	if ttl <= 0 {
		ttl = defaultTransactionTTL
	}
	s := &transactionStore{
		storage: storage,
		ttl:     ttl,
		now:     now,
		done:    make(chan struct{}),
	}

	go s.cleanupLoop()

	return s
}

// create persists tx under its state.
func (s *transactionStore) create(ctx context.Context, tx *transaction) error {
	tx.CreatedAt = s.now().Unix()
	data, err := json.Marshal(tx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if err := s.storage.Set(ctx, txKeyPrefix+tx.State, data); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return nil
}

// consume removes and returns the attempt for state. The first call wins;
// any later call for the same state reports ErrInvalidState, as does a
// state that was never issued or has expired.
func (s *transactionStore) consume(ctx context.Context, state string) (*transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := txKeyPrefix + state
	data, ok, err := s.storage.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if !ok {
		return nil, ErrInvalidState
	}
	if err := s.storage.Delete(ctx, key); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}

	var tx transaction
	if err := json.Unmarshal(data, &tx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if s.expired(&tx) {
		return nil, ErrInvalidState
	}

	return &tx, nil
}

func (s *transactionStore) expired(tx *transaction) bool {
	return s.now().Sub(time.Unix(tx.CreatedAt, 0)) > s.ttl
}

// cleanupLoop discards abandoned attempts so the store cannot grow without
// bound when logins never complete.
func (s *transactionStore) cleanupLoop() {
	ticker := time.NewTicker(s.ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanupExpired()
		case <-s.done:
			return
		}
	}
}

func (s *transactionStore) cleanupExpired() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	keys, err := s.storage.List(ctx, txKeyPrefix)
	if err != nil {
		return
	}
	for _, key := range keys {
		data, ok, err := s.storage.Get(ctx, key)
		if err != nil || !ok {
			continue
		}
		var tx transaction
		if err := json.Unmarshal(data, &tx); err != nil || s.expired(&tx) {
			_ = s.storage.Delete(ctx, key)
		}
	}
}

// Close stops the background cleanup. Safe to call more than once.
func (s *transactionStore) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}
