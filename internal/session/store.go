package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Store is the remote session status store
type Store interface {
	// Get returns the record or ErrNotFound
	Get(ctx context.Context, sessionID string) (*Record, error)

	// Update merges fields into the record. Implementations are best-effort
	// and non-transactional.
	Update(ctx context.Context, sessionID string, update Update) error
}

// MemoryStore is an in-process Store
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
	clock   func() time.Time
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Record),
		clock:   time.Now,
	}
}

// Put inserts or replaces a record
func (s *MemoryStore) Put(rec Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := rec
	s.records[rec.SessionID] = &cp
}

// Get returns a copy of the record
func (s *MemoryStore) Get(_ context.Context, sessionID string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	cp.StoragePaths = append([]string(nil), rec.StoragePaths...)
	if rec.Error != nil {
		failure := *rec.Error
		cp.Error = &failure
	}
	return &cp, nil
}

// Update merges update into an existing record
func (s *MemoryStore) Update(_ context.Context, sessionID string, update Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[sessionID]
	if !ok {
		return ErrNotFound
	}
	update.Apply(rec, s.clock())
	return nil
}

// Resolution is the outcome of checking a session before recording
type Resolution struct {
	ID      ID      `json:"id"`
	Status  Status  `json:"status"`
	Record  *Record `json:"record,omitempty"`
	Message string  `json:"message"`
}

// Validator checks raw session IDs against the store
type Validator struct {
	store  Store
	clock  func() time.Time
	logger *zap.Logger
}

// NewValidator creates a validator; clock may be nil
func NewValidator(store Store, clock func() time.Time, logger *zap.Logger) *Validator {
	if clock == nil {
		clock = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Validator{store: store, clock: clock, logger: logger}
}

// Check parses raw, loads the record and resolves its effective status. The
// returned resolution is filled as far as possible even when err is non-nil.
func (v *Validator) Check(ctx context.Context, raw string) (Resolution, error) {
	now := v.clock()

	id, err := Validate(raw, now)
	if err != nil {
		return Resolution{Status: StatusInvalid, Message: UserMessage(err)}, err
	}

	rec, err := v.store.Get(ctx, raw)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			serr := newError(KindNotFound, err)
			return Resolution{ID: id, Status: StatusInvalid, Message: serr.Message()}, serr
		}
		v.logger.Warn("Session lookup failed", zap.String("session_id", raw), zap.Error(err))
		serr := newError(KindUnavailable, err)
		return Resolution{ID: id, Message: serr.Message()}, serr
	}

	status := Resolve(rec, now)
	res := Resolution{ID: id, Status: status, Record: rec, Message: StatusMessage(status)}

	switch status {
	case StatusExpired:
		return res, newError(KindExpired, fmt.Errorf("expired at %s", rec.ExpiresAt.UTC().Format(time.RFC3339)))
	case StatusRemoved:
		return res, newError(KindRemoved, nil)
	case StatusCompleted, StatusProcessing:
		return res, newError(KindCompleted, nil)
	case StatusInvalid:
		return res, newError(KindInvalidFormat, fmt.Errorf("stored status %q", rec.Status))
	}

	return res, nil
}
