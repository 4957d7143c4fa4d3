// Package keystate tracks upstream key validity, error counts, and usage.
//
// State lives in memory and is guarded per key; a background worker flushes
// dirty entries to storage so the request path never waits on the database.
package keystate

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	relay "github.com/keymux/keymux/internal"
	"github.com/keymux/keymux/internal/storage"
)

// cell is the mutable state of one (group, keyHash) pair.
type cell struct {
	mu sync.Mutex

	kind            relay.ProviderKind
	validity        relay.Validity
	errorCount      int
	lastError       string
	lastStatus      int
	lastValidatedAt time.Time

	usageCount int64
	lastUsedAt time.Time

	createdAt time.Time
	dirty     bool
}

// pkUsage accumulates proxy-key usage deltas between flushes.
type pkUsage struct {
	mu     sync.Mutex
	uses   int64
	lastAt time.Time
}

// DB is the slice of storage the key-state store persists through.
type DB interface {
	storage.KeyStateStore
	TouchProxyKey(ctx context.Context, id string, uses int64, at time.Time) error
}

// Store is the in-memory key-state registry.
type Store struct {
	db DB

	mu    sync.RWMutex
	cells map[string]*cell

	pkMu    sync.Mutex
	pkUses  map[string]*pkUsage
	windows *windowSet
}

// New creates an empty Store backed by db for persistence.
func New(db DB) *Store {
	return &Store{
		db:      db,
		cells:   make(map[string]*cell),
		pkUses:  make(map[string]*pkUsage),
		windows: newWindowSet(),
	}
}

func cellKey(groupID, keyHash string) string {
	return groupID + "\x00" + keyHash
}

// Hydrate loads persisted validity and usage state. Keys without a stored row
// start as Unknown, which keeps them selectable.
func (s *Store) Hydrate(ctx context.Context) error {
	validity, err := s.db.ListKeyValidity(ctx)
	if err != nil {
		return err
	}
	usage, err := s.db.ListKeyUsage(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range validity {
		c := s.cells[cellKey(v.GroupID, v.KeyHash)]
		if c == nil {
			c = &cell{createdAt: v.CreatedAt}
			s.cells[cellKey(v.GroupID, v.KeyHash)] = c
		}
		c.kind = v.Kind
		if v.Valid {
			c.validity = relay.ValidityValid
		} else {
			c.validity = relay.ValidityInvalid
		}
		c.errorCount = v.ErrorCount
		c.lastError = v.LastError
		c.lastStatus = v.LastStatusCode
		c.lastValidatedAt = v.LastValidatedAt
	}
	for _, u := range usage {
		c := s.cells[cellKey(u.GroupID, u.KeyHash)]
		if c == nil {
			c = &cell{createdAt: u.CreatedAt}
			s.cells[cellKey(u.GroupID, u.KeyHash)] = c
		}
		c.usageCount = u.UsageCount
		c.lastUsedAt = u.LastUsedAt
	}
	return nil
}

// getCell returns the cell for (groupID, keyHash), creating it if needed.
// Uses double-check locking to minimize write-lock contention.
func (s *Store) getCell(groupID, keyHash string) *cell {
	k := cellKey(groupID, keyHash)
	s.mu.RLock()
	c, ok := s.cells[k]
	s.mu.RUnlock()
	if ok {
		return c
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.cells[k]; ok {
		return c
	}
	c = &cell{validity: relay.ValidityUnknown, createdAt: time.Now().UTC()}
	s.cells[k] = c
	return c
}

// Validity returns the tri-state verdict for a key. Keys never seen before
// are Unknown.
func (s *Store) Validity(groupID, keyHash string) relay.Validity {
	k := cellKey(groupID, keyHash)
	s.mu.RLock()
	c, ok := s.cells[k]
	s.mu.RUnlock()
	if !ok {
		return relay.ValidityUnknown
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.validity
}

// Record applies one attempt outcome. verdict semantics:
//   - ValidityValid: key proven good; error streak resets.
//   - ValidityInvalid: key rejected by the upstream auth layer.
//   - ValidityUnknown: transient failure; validity is left unchanged but the
//     error is counted.
func (s *Store) Record(groupID string, kind relay.ProviderKind, keyHash string, verdict relay.Validity, statusCode int, errMsg string) {
	c := s.getCell(groupID, keyHash)
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now().UTC()
	c.kind = kind
	c.lastStatus = statusCode
	c.lastValidatedAt = now
	c.dirty = true

	switch verdict {
	case relay.ValidityValid:
		c.validity = relay.ValidityValid
		c.errorCount = 0
		c.lastError = ""
	case relay.ValidityInvalid:
		c.validity = relay.ValidityInvalid
		c.errorCount++
		c.lastError = errMsg
	default:
		c.errorCount++
		c.lastError = errMsg
	}
}

// RecordUse counts an admitted attempt against the key. Usage is tracked on
// admission, not on outcome.
func (s *Store) RecordUse(groupID, keyHash string) {
	c := s.getCell(groupID, keyHash)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.usageCount++
	c.lastUsedAt = time.Now().UTC()
	c.dirty = true
}

// ForceValidity overrides a key's verdict, e.g. from the admin surface or the
// health scanner. Forcing a key valid clears its error streak.
func (s *Store) ForceValidity(groupID string, kind relay.ProviderKind, keyHash string, valid bool) {
	c := s.getCell(groupID, keyHash)
	c.mu.Lock()
	defer c.mu.Unlock()

	c.kind = kind
	c.lastValidatedAt = time.Now().UTC()
	c.dirty = true
	if valid {
		c.validity = relay.ValidityValid
		c.errorCount = 0
		c.lastError = ""
	} else {
		c.validity = relay.ValidityInvalid
	}
}

// Info returns a point-in-time copy of a key's state. The second return is
// false when the key has never been recorded.
func (s *Store) Info(groupID, keyHash string) (relay.KeyValidity, relay.KeyUsage, bool) {
	k := cellKey(groupID, keyHash)
	s.mu.RLock()
	c, ok := s.cells[k]
	s.mu.RUnlock()
	if !ok {
		return relay.KeyValidity{}, relay.KeyUsage{}, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	v := relay.KeyValidity{
		GroupID:         groupID,
		KeyHash:         keyHash,
		Kind:            c.kind,
		Valid:           c.validity == relay.ValidityValid,
		ErrorCount:      c.errorCount,
		LastError:       c.lastError,
		LastStatusCode:  c.lastStatus,
		LastValidatedAt: c.lastValidatedAt,
		CreatedAt:       c.createdAt,
	}
	u := relay.KeyUsage{
		GroupID:    groupID,
		KeyHash:    keyHash,
		UsageCount: c.usageCount,
		LastUsedAt: c.lastUsedAt,
		CreatedAt:  c.createdAt,
	}
	return v, u, true
}

// RecordProxyKeyUse counts one admitted request against a proxy key. Deltas
// accumulate in memory and reach storage on the next Flush.
func (s *Store) RecordProxyKeyUse(proxyKeyID string) {
	s.pkMu.Lock()
	u, ok := s.pkUses[proxyKeyID]
	if !ok {
		u = &pkUsage{}
		s.pkUses[proxyKeyID] = u
	}
	s.pkMu.Unlock()

	u.mu.Lock()
	u.uses++
	u.lastAt = time.Now().UTC()
	u.mu.Unlock()
}

// TryAcquire admits one request against a per-subject RPM window.
// limit <= 0 means unlimited. On rejection retryAfter is the time until the
// current minute rolls over.
func (s *Store) TryAcquire(subject string, limit int64) (bool, time.Duration) {
	return s.windows.tryAcquire(subject, limit, time.Now())
}

// ProxyKeySubject names the RPM window of a proxy key.
func ProxyKeySubject(proxyKeyID string) string { return "pk\x00" + proxyKeyID }

// UpstreamKeySubject names the RPM window of an upstream key within a group.
func UpstreamKeySubject(groupID, keyHash string) string {
	return "up\x00" + groupID + "\x00" + keyHash
}

// EvictStaleWindows drops RPM windows idle since before cutoff.
func (s *Store) EvictStaleWindows(cutoff time.Time) int {
	return s.windows.evictStale(cutoff)
}

// Flush persists dirty cells and accumulated proxy-key usage. On failure the
// collected entries are re-marked dirty so the next flush retries them; state
// is absolute, so a later flush always wins.
func (s *Store) Flush(ctx context.Context) error {
	var (
		validity []relay.KeyValidity
		usage    []relay.KeyUsage
		flushed  []*cell
	)

	s.mu.RLock()
	keys := make([]string, 0, len(s.cells))
	cells := make([]*cell, 0, len(s.cells))
	for k, c := range s.cells {
		keys = append(keys, k)
		cells = append(cells, c)
	}
	s.mu.RUnlock()

	now := time.Now().UTC()
	for i, c := range cells {
		c.mu.Lock()
		if !c.dirty {
			c.mu.Unlock()
			continue
		}
		groupID, keyHash, ok := splitCellKey(keys[i])
		if !ok {
			c.mu.Unlock()
			continue
		}
		validity = append(validity, relay.KeyValidity{
			ID:              uuid.Must(uuid.NewV7()).String(),
			GroupID:         groupID,
			KeyHash:         keyHash,
			Kind:            c.kind,
			Valid:           c.validity == relay.ValidityValid,
			ErrorCount:      c.errorCount,
			LastError:       c.lastError,
			LastStatusCode:  c.lastStatus,
			LastValidatedAt: c.lastValidatedAt,
			CreatedAt:       c.createdAt,
		})
		usage = append(usage, relay.KeyUsage{
			ID:         uuid.Must(uuid.NewV7()).String(),
			GroupID:    groupID,
			KeyHash:    keyHash,
			UsageCount: c.usageCount,
			LastUsedAt: c.lastUsedAt,
			CreatedAt:  c.createdAt,
			UpdatedAt:  now,
		})
		c.dirty = false
		flushed = append(flushed, c)
		c.mu.Unlock()
	}

	remark := func() {
		for _, c := range flushed {
			c.mu.Lock()
			c.dirty = true
			c.mu.Unlock()
		}
	}

	if len(validity) > 0 {
		if err := s.db.UpsertKeyValidity(ctx, validity); err != nil {
			remark()
			return err
		}
		if err := s.db.UpsertKeyUsage(ctx, usage); err != nil {
			remark()
			return err
		}
	}

	return s.flushProxyKeyUsage(ctx)
}

func (s *Store) flushProxyKeyUsage(ctx context.Context) error {
	s.pkMu.Lock()
	pending := s.pkUses
	s.pkUses = make(map[string]*pkUsage)
	s.pkMu.Unlock()

	for id, u := range pending {
		u.mu.Lock()
		uses, lastAt := u.uses, u.lastAt
		u.mu.Unlock()
		if uses == 0 {
			continue
		}
		if err := s.db.TouchProxyKey(ctx, id, uses, lastAt); err != nil {
			// Put the delta back so it is retried rather than lost.
			s.pkMu.Lock()
			if cur, ok := s.pkUses[id]; ok {
				cur.mu.Lock()
				cur.uses += uses
				if cur.lastAt.Before(lastAt) {
					cur.lastAt = lastAt
				}
				cur.mu.Unlock()
			} else {
				s.pkUses[id] = &pkUsage{uses: uses, lastAt: lastAt}
			}
			s.pkMu.Unlock()
			return err
		}
	}
	return nil
}

func splitCellKey(k string) (groupID, keyHash string, ok bool) {
	for i := 0; i < len(k); i++ {
		if k[i] == 0 {
			return k[:i], k[i+1:], true
		}
	}
	return "", "", false
}
