// Package memstore provides an in-memory store.Store. State is lost on exit;
// it backs tests and the "memory" storage driver.
package memstore

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/tinyland-inc/channelrelay/pkg/store"
)

type ledgerKey struct {
	sourceChatID      string
	sourceMessageID   int
	destinationChatID string
}

type joinKey struct {
	chatID string
	userID int64
}

// Store implements store.Store with maps guarded by a single RWMutex.
type Store struct {
	mu       sync.RWMutex
	now      func() time.Time
	channels map[string]store.Channel
	ledger   map[ledgerKey]store.RelayRecord
	mappings []store.IdentityMapping
	joins    map[joinKey]store.JoinRequest
}

type Option func(*Store)

// WithClock overrides the time source used for age-based queries.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func New(opts ...Option) *Store {
	s := &Store{
		now:      time.Now,
		channels: make(map[string]store.Channel),
		ledger:   make(map[ledgerKey]store.RelayRecord),
		joins:    make(map[joinKey]store.JoinRequest),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ store.Store = (*Store)(nil)

func (s *Store) Close(context.Context) error { return nil }

// Channels

func (s *Store) UpsertChannel(_ context.Context, ch store.Channel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch.CreatedAt.IsZero() {
		ch.CreatedAt = s.now()
	}
	s.channels[ch.ID] = ch
	return nil
}

func (s *Store) GetChannel(_ context.Context, id string) (store.Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ch, ok := s.channels[id]
	if !ok {
		return store.Channel{}, fmt.Errorf("channel %s: %w", id, store.ErrNotFound)
	}
	return ch, nil
}

func (s *Store) ListChannels(_ context.Context, role store.Role) ([]store.Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []store.Channel
	for _, ch := range s.channels {
		if ch.Active && ch.Role == role {
			out = append(out, ch)
		}
	}
	slices.SortFunc(out, func(a, b store.Channel) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out, nil
}

func (s *Store) SetRole(_ context.Context, id string, role store.Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[id]
	if !ok {
		return fmt.Errorf("channel %s: %w", id, store.ErrNotFound)
	}
	ch.Role = role
	s.channels[id] = ch
	return nil
}

func (s *Store) DeleteChannel(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.channels[id]; !ok {
		return fmt.Errorf("channel %s: %w", id, store.ErrNotFound)
	}
	delete(s.channels, id)
	return nil
}

// Ledger

func (s *Store) IsDelivered(_ context.Context, sourceChatID string, sourceMessageID int, destinationChatID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.ledger[ledgerKey{sourceChatID, sourceMessageID, destinationChatID}]
	return ok, nil
}

func (s *Store) RecordDelivery(_ context.Context, rec store.RelayRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := ledgerKey{rec.SourceChatID, rec.SourceMessageID, rec.DestinationChatID}
	if _, ok := s.ledger[key]; ok {
		return nil
	}
	if rec.DeliveredAt.IsZero() {
		rec.DeliveredAt = s.now()
	}
	s.ledger[key] = rec
	return nil
}

func (s *Store) PruneOlderThan(_ context.Context, age time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-age)
	removed := 0
	for key, rec := range s.ledger {
		if rec.DeliveredAt.Before(cutoff) {
			delete(s.ledger, key)
			removed++
		}
	}
	return removed, nil
}

func (s *Store) CountDeliveries(context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ledger), nil
}

// Identity mappings

func (s *Store) RecordMapping(_ context.Context, m store.IdentityMapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now()
	}
	s.mappings = append(s.mappings, m)
	return nil
}

func (s *Store) FindByDestination(_ context.Context, destinationChatID string, destinationMessageID int) (store.IdentityMapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.mappings {
		if m.DestinationChatID == destinationChatID && m.DestinationMessageID == destinationMessageID {
			return m, nil
		}
	}
	return store.IdentityMapping{}, fmt.Errorf("mapping %s/%d: %w", destinationChatID, destinationMessageID, store.ErrNotFound)
}

func (s *Store) FindAllBySource(_ context.Context, sourceChatID string, sourceMessageID int) ([]store.IdentityMapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.IdentityMapping
	for _, m := range s.mappings {
		if m.SourceChatID == sourceChatID && m.SourceMessageID == sourceMessageID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *Store) DeleteMapping(_ context.Context, destinationChatID string, destinationMessageID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, m := range s.mappings {
		if m.DestinationChatID == destinationChatID && m.DestinationMessageID == destinationMessageID {
			s.mappings = slices.Delete(s.mappings, i, i+1)
			return nil
		}
	}
	return fmt.Errorf("mapping %s/%d: %w", destinationChatID, destinationMessageID, store.ErrNotFound)
}

func (s *Store) FindOlderThan(_ context.Context, age time.Duration) ([]store.IdentityMapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cutoff := s.now().Add(-age)
	var out []store.IdentityMapping
	for _, m := range s.mappings {
		if m.CreatedAt.Before(cutoff) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *Store) CountMappings(context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.mappings), nil
}

// Join requests

func (s *Store) AddJoinRequest(_ context.Context, req store.JoinRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if req.RequestedAt.IsZero() {
		req.RequestedAt = s.now()
	}
	req.Approved = false
	req.ApprovedAt = nil
	s.joins[joinKey{req.ChatID, req.UserID}] = req
	return nil
}

func (s *Store) ListPendingJoinRequests(_ context.Context, chatID string, offset, limit int) ([]store.JoinRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var pending []store.JoinRequest
	for _, req := range s.joins {
		if req.ChatID == chatID && !req.Approved {
			pending = append(pending, req)
		}
	}
	slices.SortFunc(pending, func(a, b store.JoinRequest) int {
		if c := a.RequestedAt.Compare(b.RequestedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.UserID, b.UserID)
	})

	if offset >= len(pending) {
		return nil, nil
	}
	end := len(pending)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return pending[offset:end], nil
}

func (s *Store) MarkJoinRequestApproved(_ context.Context, chatID string, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := joinKey{chatID, userID}
	req, ok := s.joins[key]
	if !ok {
		return fmt.Errorf("join request %s/%d: %w", chatID, userID, store.ErrNotFound)
	}
	now := s.now()
	req.Approved = true
	req.ApprovedAt = &now
	s.joins[key] = req
	return nil
}

func (s *Store) DeleteJoinRequest(_ context.Context, chatID string, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := joinKey{chatID, userID}
	if _, ok := s.joins[key]; !ok {
		return fmt.Errorf("join request %s/%d: %w", chatID, userID, store.ErrNotFound)
	}
	delete(s.joins, key)
	return nil
}
