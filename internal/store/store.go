package store

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/geoquery/backend/internal/metrics"
	"github.com/geoquery/backend/internal/oracle"
	"github.com/geoquery/backend/internal/table"
	"github.com/geoquery/backend/pkg/logger"
)

// Creator records who a stored result was produced for: the user directly,
// or the system as an intermediate step.
type Creator int

const (
	CreatorSystem Creator = iota
	CreatorUser
)

func (c Creator) String() string {
	if c == CreatorUser {
		return "user"
	}
	return "system"
}

// AnnotatedResult is one stored table together with the request it answers.
type AnnotatedResult struct {
	Request   string
	Table     *table.Table
	Creator   Creator
	CreatedAt time.Time
}

// Store holds results in append order. Lookups are semantic: the oracle
// decides whether a stored result answers a request, so two differently
// phrased requests for the same data resolve to the same entry.
type Store struct {
	mu      sync.RWMutex
	oracle  oracle.Oracle
	clock   clockwork.Clock
	entries []*AnnotatedResult
}

func New(o oracle.Oracle, clock clockwork.Clock) *Store {
	return &Store{
		oracle: o,
		clock:  clock,
	}
}

// Add appends a result stamped with the current time and returns it.
func (s *Store) Add(request string, tbl *table.Table, creator Creator) *AnnotatedResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := &AnnotatedResult{
		Request:   request,
		Table:     tbl,
		Creator:   creator,
		CreatedAt: s.clock.Now(),
	}
	s.entries = append(s.entries, entry)
	metrics.StoreSize.Set(float64(len(s.entries)))

	logger.Debug("Result stored",
		zap.String("request", request),
		zap.String("creator", creator.String()),
		zap.Int("rows", tbl.NumRows()),
	)
	return entry
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Titles returns the stored requests in append order.
func (s *Store) Titles() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	titles := make([]string, len(s.entries))
	for i, e := range s.entries {
		titles[i] = e.Request
	}
	return titles
}

// Results returns the stored entries in append order.
func (s *Store) Results() []*AnnotatedResult {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*AnnotatedResult, len(s.entries))
	copy(out, s.entries)
	return out
}

// Reclassify updates an entry's creator in place.
func (s *Store) Reclassify(r *AnnotatedResult, c Creator) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r.Creator = c
}

// EvictOlderThan drops every entry older than maxAge and returns how many
// were removed. Surviving entries keep their append order.
func (s *Store) EvictOlderThan(maxAge time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.clock.Now().Add(-maxAge)
	kept := s.entries[:0]
	evicted := 0
	for _, e := range s.entries {
		if e.CreatedAt.Before(cutoff) {
			evicted++
			continue
		}
		kept = append(kept, e)
	}
	s.entries = kept

	if evicted > 0 {
		metrics.StoreEvictions.Add(float64(evicted))
		metrics.StoreSize.Set(float64(len(s.entries)))
		logger.Debug("Results evicted",
			zap.Int("evicted", evicted),
			zap.Int("remaining", len(s.entries)),
		)
	}
	return evicted
}

// Contains reports whether any stored result answers the request.
func (s *Store) Contains(ctx context.Context, request string) (bool, error) {
	idx, err := s.match(ctx, request)
	if err != nil {
		return false, err
	}
	return idx >= 0, nil
}

// Find returns the stored result that answers the request, preferring the
// most recently added match. ok is false when nothing matches.
func (s *Store) Find(ctx context.Context, request string) (*AnnotatedResult, bool, error) {
	idx, err := s.match(ctx, request)
	if err != nil {
		return nil, false, err
	}
	if idx < 0 {
		return nil, false, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if idx >= len(s.entries) {
		return nil, false, nil
	}
	metrics.StoreReuseHits.Inc()
	return s.entries[idx], true, nil
}

type matchReply struct {
	Match int `json:"match"`
}

func (s *Store) match(ctx context.Context, request string) (int, error) {
	titles := s.Titles()
	if len(titles) == 0 {
		return -1, nil
	}

	lines := make([]string, len(titles))
	for i, title := range titles {
		lines[i] = fmt.Sprintf("%d: %s", i, title)
	}

	prompt := fmt.Sprintf(`You track a working set of data results. Each stored result is listed below as "index: the request it answers".

%s

Does any stored result already answer the request below? Answer with a JSON object of the form {"match": <index>} naming the best match, or {"match": -1} if none of them answers it. If several match, prefer the highest index.

Request: %s`, strings.Join(lines, "\n"), request)

	raw, err := s.oracle.Infer(ctx, prompt, oracle.JSONObject)
	if err != nil {
		return -1, err
	}

	reply, err := oracle.DecodeObject[matchReply](raw)
	if err != nil {
		return -1, err
	}
	if reply.Match >= len(titles) {
		return -1, oracle.NewMalformedResponseError(oracle.JSONObject, raw,
			fmt.Errorf("match index %d out of range [0, %d)", reply.Match, len(titles)))
	}
	if reply.Match < 0 {
		return -1, nil
	}
	return reply.Match, nil
}
