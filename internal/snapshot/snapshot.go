// Package snapshot holds the most recent bookings data in memory and
// persists it as a single JSON document through a blob store.
package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/slotscraper/internal/booking"
	"github.com/JakeFAU/slotscraper/internal/hash/sha256"
	"github.com/JakeFAU/slotscraper/internal/storage"
)

// Document is the persisted form of a snapshot.
type Document struct {
	Results     []booking.LocationResult `json:"results"`
	LastUpdated *time.Time               `json:"last_updated"`
}

// AvailableSlot is an open slot tagged with its location.
type AvailableSlot struct {
	Location booking.LocationID `json:"location"`
	booking.TimeSlot
}

// Hasher fingerprints documents by their JSON encoding.
type Hasher interface {
	SumJSON(v any) (string, error)
}

// Store is safe for concurrent use.
type Store struct {
	mu     sync.RWMutex
	doc    Document
	hash   string
	blobs  storage.BlobStore
	object string
	clock  booking.Clock
	hasher Hasher
	logger *zap.Logger
}

// New creates an empty store persisting to object in blobs. A nil blobs
// keeps the snapshot in memory only.
func New(blobs storage.BlobStore, object string, clock booking.Clock, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		doc:    Document{Results: []booking.LocationResult{}},
		blobs:  blobs,
		object: object,
		clock:  clock,
		hasher: sha256.New(),
		logger: logger,
	}
}

// Update replaces the snapshot with results, keeping only available slots.
// An empty results map leaves the previous snapshot in place and reports
// false.
func (s *Store) Update(results map[booking.LocationID]booking.LocationResult) (bool, error) {
	if len(results) == 0 {
		return false, nil
	}
	cleaned := make([]booking.LocationResult, 0, len(results))
	for _, r := range results {
		cleaned = append(cleaned, r.AvailableOnly())
	}
	slices.SortFunc(cleaned, func(a, b booking.LocationResult) int {
		return strings.Compare(string(a.Location), string(b.Location))
	})
	now := s.clock.Now()
	doc := Document{Results: cleaned, LastUpdated: &now}

	hash, err := s.digest(doc)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	s.doc = doc
	s.hash = hash
	s.mu.Unlock()
	return true, nil
}

func (s *Store) digest(v any) (string, error) {
	hash, err := s.hasher.SumJSON(v)
	if err != nil {
		return "", fmt.Errorf("hash snapshot: %w", err)
	}
	return hash, nil
}

// Get returns the current document and its content hash. The hash is empty
// until the store holds data.
func (s *Store) Get() (Document, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc, s.hash
}

// Ready reports whether the store holds data from a scrape or a load.
func (s *Store) Ready() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc.LastUpdated != nil
}

// Location returns the result for id with a hash of that entry alone.
func (s *Store) Location(id booking.LocationID) (booking.LocationResult, string, bool) {
	s.mu.RLock()
	idx := slices.IndexFunc(s.doc.Results, func(r booking.LocationResult) bool { return r.Location == id })
	var result booking.LocationResult
	if idx >= 0 {
		result = s.doc.Results[idx]
	}
	s.mu.RUnlock()
	if idx < 0 {
		return booking.LocationResult{}, "", false
	}
	hash, err := s.digest(result)
	if err != nil {
		s.logger.Warn("hash location failed", zap.String("location", string(id)), zap.Error(err))
	}
	return result, hash, true
}

// Available lists every available slot across locations.
func (s *Store) Available() []AvailableSlot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []AvailableSlot{}
	for _, r := range s.doc.Results {
		for _, slot := range r.Slots {
			if slot.Availability {
				out = append(out, AvailableSlot{Location: r.Location, TimeSlot: slot})
			}
		}
	}
	return out
}

// Save writes the current document to the blob store.
func (s *Store) Save(ctx context.Context) error {
	if s.blobs == nil {
		return nil
	}
	s.mu.RLock()
	data, err := json.MarshalIndent(s.doc, "", "  ")
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	uri, err := s.blobs.PutObject(ctx, s.object, "application/json", bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	s.logger.Debug("snapshot saved", zap.String("uri", uri), zap.Int("bytes", len(data)))
	return nil
}

// Load replaces the in-memory document with the persisted one. A missing
// object is not an error.
func (s *Store) Load(ctx context.Context) error {
	if s.blobs == nil {
		return nil
	}
	data, err := s.blobs.GetObject(ctx, s.object)
	if errors.Is(err, storage.ErrNotFound) {
		s.logger.Debug("no persisted snapshot", zap.String("object", s.object))
		return nil
	}
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}
	if doc.Results == nil {
		doc.Results = []booking.LocationResult{}
	}
	hash, err := s.digest(doc)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.doc = doc
	s.hash = hash
	s.mu.Unlock()
	s.logger.Info("snapshot loaded", zap.Int("locations", len(doc.Results)))
	return nil
}
