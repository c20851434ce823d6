// Package ledger is the append-only, hash-chained activity record. Every
// governed action becomes an Entry whose hash covers its content and whose
// previous_hash links to the predecessor, so any retroactive edit breaks
// the chain at the first tampered index.
package ledger

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"stagegate.org/internal/ids"
	"stagegate.org/internal/kv"
	"stagegate.org/internal/obs"
)

const defaultStateKey = "ledger/entries"

// Ledger exclusively owns the entry sequence. Appends and Clear take the
// write lock and are strictly ordered: previous_hash is read from the
// current tip, so two interleaved appends would silently fork the chain.
// Readers run concurrently with each other.
type Ledger struct {
	mu     sync.RWMutex
	store  kv.Store
	key    string
	strict bool
	hasher Hasher
	now    func() time.Time

	entries []Entry
}

// Option configures ledger behavior.
type Option func(*Ledger)

// WithStateKey overrides the storage namespace key.
func WithStateKey(key string) Option {
	return func(l *Ledger) {
		if strings.TrimSpace(key) != "" {
			l.key = key
		}
	}
}

// WithStrictLoad makes a corrupt or unavailable store fail construction
// instead of degrading to an empty chain with a logged warning.
func WithStrictLoad() Option {
	return func(l *Ledger) { l.strict = true }
}

// WithHasher swaps the content-hash algorithm. All entries of one chain
// must be written and verified with the same hasher.
func WithHasher(h Hasher) Option {
	return func(l *Ledger) {
		if h != nil {
			l.hasher = h
		}
	}
}

// WithClock overrides the timestamp source. Test use.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

// New loads the persisted chain from the store, or starts empty when the
// namespace key has never been written.
func New(ctx context.Context, store kv.Store, opts ...Option) (*Ledger, error) {
	if store == nil {
		return nil, errors.New("ledger: store is required")
	}
	l := &Ledger{
		store:  store,
		key:    defaultStateKey,
		hasher: SHA256{},
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(l)
	}
	if err := l.load(ctx); err != nil {
		if l.strict {
			return nil, fmt.Errorf("ledger: load state: %w", err)
		}
		obs.Warn("ledger state unreadable, starting empty", map[string]any{"key": l.key, "error": err.Error()})
	}
	return l, nil
}

func (l *Ledger) load(ctx context.Context) error {
	data, err := l.store.Load(ctx, l.key)
	if errors.Is(err, kv.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return err
	}
	l.entries = entries
	return nil
}

// persist must be called with the write lock held.
func (l *Ledger) persist(ctx context.Context) error {
	data, err := json.Marshal(l.entries)
	if err != nil {
		return err
	}
	return l.store.Save(ctx, l.key, data)
}

// Input carries the caller-supplied fields for a new entry.
type Input struct {
	Action    Action
	ProjectID string
	UserID    string
	Details   map[string]any
}

// Record appends a new entry: generates id and timestamp, links
// previous_hash to the current tip (or the genesis sentinel on an empty
// chain), computes the content hash, persists, and returns the entry.
func (l *Ledger) Record(ctx context.Context, in Input) (Entry, error) {
	if strings.TrimSpace(string(in.Action)) == "" {
		return Entry{}, errors.New("ledger: action is required")
	}
	details, err := canonicalDetails(in.Details)
	if err != nil {
		return Entry{}, fmt.Errorf("ledger: serialize details: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	prev := GenesisHash
	if n := len(l.entries); n > 0 {
		prev = l.entries[n-1].Hash
	}
	entry := Entry{
		ID:        ids.New(),
		Timestamp: l.now(),
		Action:    in.Action,
		ProjectID: in.ProjectID,
		UserID:    in.UserID,
		Details:   details,
		PrevHash:  prev,
	}
	hash, err := contentHash(l.hasher, entry)
	if err != nil {
		return Entry{}, fmt.Errorf("ledger: hash entry: %w", err)
	}
	entry.Hash = hash

	l.entries = append(l.entries, entry)
	if err := l.persist(ctx); err != nil {
		// roll back the in-memory append so memory and store stay aligned
		l.entries = l.entries[:len(l.entries)-1]
		return Entry{}, err
	}
	obs.LedgerAppends.Inc()
	return entry, nil
}

// Len returns the number of entries.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Entries returns the full sequence in append order.
func (l *Ledger) Entries() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]Entry(nil), l.entries...)
}

// History returns the entries for one project, in append order.
func (l *Ledger) History(projectID string) []Entry {
	return l.filter(func(e Entry) bool { return e.ProjectID == projectID })
}

// ByAction returns the entries with the given action tag.
func (l *Ledger) ByAction(action Action) []Entry {
	return l.filter(func(e Entry) bool { return e.Action == action })
}

// ByUser returns the entries recorded for the given user.
func (l *Ledger) ByUser(userID string) []Entry {
	return l.filter(func(e Entry) bool { return e.UserID == userID })
}

// ByDateRange returns the entries whose timestamp falls within [start, end],
// bounds inclusive.
func (l *Ledger) ByDateRange(start, end time.Time) []Entry {
	return l.filter(func(e Entry) bool {
		return !e.Timestamp.Before(start) && !e.Timestamp.After(end)
	})
}

func (l *Ledger) filter(keep func(Entry) bool) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := []Entry{}
	for _, e := range l.entries {
		if keep(e) {
			out = append(out, e)
		}
	}
	return out
}

// VerifyResult reports chain integrity. On failure, Index and Entry point
// at the first inconsistent record.
type VerifyResult struct {
	Valid  bool   `json:"valid"`
	Index  int    `json:"index,omitempty"`
	Entry  *Entry `json:"entry,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Verify walks the sequence in order, recomputing each content hash and
// checking every predecessor link. It reports the first mismatch.
func (l *Ledger) Verify() VerifyResult {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.verifyLocked()
}

func (l *Ledger) verifyLocked() VerifyResult {
	for i, e := range l.entries {
		want := GenesisHash
		if i > 0 {
			want = l.entries[i-1].Hash
		}
		if e.PrevHash != want {
			return l.invalid(i, e, "previous hash does not match predecessor")
		}
		computed, err := contentHash(l.hasher, e)
		if err != nil {
			return l.invalid(i, e, fmt.Sprintf("hash entry: %v", err))
		}
		if computed != e.Hash {
			return l.invalid(i, e, "content hash mismatch")
		}
	}
	return VerifyResult{Valid: true}
}

func (l *Ledger) invalid(index int, e Entry, reason string) VerifyResult {
	obs.LedgerVerifyFailures.Inc()
	entry := e
	return VerifyResult{Valid: false, Index: index, Entry: &entry, Reason: reason}
}

// Export bundles the full sequence with the current integrity verdict for
// external audit.
type Export struct {
	ExportDate time.Time    `json:"exportDate"`
	Entries    []Entry      `json:"entries"`
	Integrity  VerifyResult `json:"integrity"`
}

// Snapshot builds the JSON export structure.
func (l *Ledger) Snapshot() Export {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return Export{
		ExportDate: l.now(),
		Entries:    append([]Entry(nil), l.entries...),
		Integrity:  l.verifyLocked(),
	}
}

// ExportCSV renders the fixed column set with standard quote-doubling
// escaping. Details are serialized as a JSON document per row.
func (l *Ledger) ExportCSV() (string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write([]string{"timestamp", "action", "projectId", "userId", "details", "hash"}); err != nil {
		return "", err
	}
	for _, e := range l.entries {
		details := ""
		if e.Details != nil {
			data, err := json.Marshal(e.Details)
			if err != nil {
				return "", fmt.Errorf("ledger: serialize details: %w", err)
			}
			details = string(data)
		}
		row := []string{
			e.Timestamp.UTC().Format(time.RFC3339Nano),
			string(e.Action),
			e.ProjectID,
			e.UserID,
			details,
			e.Hash,
		}
		if err := w.Write(row); err != nil {
			return "", err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// Clear irreversibly wipes the entire sequence. It refuses to run without
// the exact confirmation phrase; collecting that phrase from an operator is
// the caller's job, not part of any normal workflow.
func (l *Ledger) Clear(ctx context.Context, confirmation string) error {
	if confirmation != ClearConfirmation {
		return ErrBadConfirmation
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	previous := l.entries
	l.entries = nil
	if err := l.persist(ctx); err != nil {
		l.entries = previous
		return err
	}
	return nil
}
