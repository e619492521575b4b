package audit

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gowebpki/jcs"
)

// ErrChainBroken reports that the persisted hash chain no longer verifies.
var ErrChainBroken = errors.New("audit: hash chain broken")

const chainGenesis = "genesis"

// ts is stored as RFC 3339 text so recomputed entry hashes match byte for
// byte; TIMESTAMP columns round-trip with driver-dependent precision.
const chainSchema = `
CREATE TABLE IF NOT EXISTS audit_entries (
    sequence      BIGINT PRIMARY KEY,
    entry_id      TEXT NOT NULL,
    ts            TEXT NOT NULL,
    actor         TEXT NOT NULL,
    action        TEXT NOT NULL,
    resource_type TEXT NOT NULL,
    resource_id   TEXT NOT NULL,
    details       TEXT NOT NULL,
    payload_hash  TEXT NOT NULL,
    previous_hash TEXT NOT NULL,
    entry_hash    TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_entries_resource ON audit_entries (resource_type, resource_id);

CREATE INDEX IF NOT EXISTS idx_audit_entries_action ON audit_entries (action);
`

const chainColumns = "sequence, entry_id, ts, actor, action, resource_type, resource_id, details, payload_hash, previous_hash, entry_hash"

// ChainStore is an append-only audit log persisted to SQL with hash
// chaining. Each entry carries the hash of its predecessor, so deleting or
// rewriting history breaks verification.
type ChainStore struct {
	db    *sql.DB
	clock func() time.Time

	mu     sync.Mutex
	loaded bool
	seq    uint64
	head   string
}

// NewChainStore creates a ChainStore on the given database.
func NewChainStore(db *sql.DB) *ChainStore {
	return &ChainStore{db: db, clock: time.Now, head: chainGenesis}
}

// WithClock overrides the time source.
func (s *ChainStore) WithClock(clock func() time.Time) *ChainStore {
	s.clock = clock
	return s
}

// Init creates the audit schema if it does not exist.
func (s *ChainStore) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, chainSchema); err != nil {
		return fmt.Errorf("init audit schema: %w", err)
	}
	return nil
}

// Record appends an entry to the chain.
func (s *ChainStore) Record(ctx context.Context, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.load(ctx); err != nil {
		return err
	}

	stamp(&entry, s.clock)
	entry.Sequence = s.seq + 1
	entry.PreviousHash = s.head

	detailsJSON, err := marshalDetails(entry.Details)
	if err != nil {
		return fmt.Errorf("marshal audit details: %w", err)
	}
	entry.PayloadHash, err = canonicalHash(detailsJSON)
	if err != nil {
		return fmt.Errorf("hash audit details: %w", err)
	}
	entry.EntryHash, err = hashEntry(entry)
	if err != nil {
		return fmt.Errorf("hash audit entry: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_entries (`+chainColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		int64(entry.Sequence), entry.ID, entry.Timestamp.Format(time.RFC3339Nano),
		entry.Actor, entry.Action, entry.ResourceType, entry.ResourceID,
		string(detailsJSON), entry.PayloadHash, entry.PreviousHash, entry.EntryHash,
	)
	if err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}

	s.seq = entry.Sequence
	s.head = entry.EntryHash
	return nil
}

// Head returns the current chain head hash, or "genesis" for an empty chain.
func (s *ChainStore) Head(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(ctx); err != nil {
		return "", err
	}
	return s.head, nil
}

// load reads the chain tail once so appends can continue where the table
// left off.
func (s *ChainStore) load(ctx context.Context) error {
	if s.loaded {
		return nil
	}
	row := s.db.QueryRowContext(ctx,
		"SELECT sequence, entry_hash FROM audit_entries ORDER BY sequence DESC LIMIT 1")
	var seq int64
	var head string
	switch err := row.Scan(&seq, &head); {
	case errors.Is(err, sql.ErrNoRows):
		s.seq, s.head = 0, chainGenesis
	case err != nil:
		return fmt.Errorf("load audit chain tail: %w", err)
	default:
		s.seq, s.head = uint64(seq), head
	}
	s.loaded = true
	return nil
}

// Filter selects entries for Query. Zero-valued fields match everything.
type Filter struct {
	ResourceType string
	ResourceID   string
	Action       string
	Actor        string
	From         *time.Time
	To           *time.Time
	Limit        int
}

func (f Filter) matches(e Entry) bool {
	if f.From != nil && e.Timestamp.Before(*f.From) {
		return false
	}
	if f.To != nil && e.Timestamp.After(*f.To) {
		return false
	}
	return true
}

// Query returns entries matching the filter in chain order.
func (s *ChainStore) Query(ctx context.Context, filter Filter) ([]Entry, error) {
	query := "SELECT " + chainColumns + " FROM audit_entries"
	var clauses []string
	var args []any
	add := func(column, value string) {
		if value == "" {
			return
		}
		clauses = append(clauses, fmt.Sprintf("%s = $%d", column, len(args)+1))
		args = append(args, value)
	}
	add("resource_type", filter.ResourceType)
	add("resource_id", filter.ResourceID)
	add("action", filter.Action)
	add("actor", filter.Actor)
	for i, clause := range clauses {
		if i == 0 {
			query += " WHERE " + clause
		} else {
			query += " AND " + clause
		}
	}
	query += " ORDER BY sequence"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []Entry
	for rows.Next() {
		entry, _, err := scanChainRow(rows)
		if err != nil {
			return nil, err
		}
		// Timestamps are text columns; range filtering happens after parsing.
		if !filter.matches(entry) {
			continue
		}
		entries = append(entries, entry)
		if filter.Limit > 0 && len(entries) >= filter.Limit {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit entries: %w", err)
	}
	return entries, nil
}

// Verify walks the full chain and recomputes every hash. It returns
// ErrChainBroken (wrapped with position detail) on the first inconsistency.
func (s *ChainStore) Verify(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+chainColumns+" FROM audit_entries ORDER BY sequence")
	if err != nil {
		return fmt.Errorf("query audit entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	expectedPrev := chainGenesis
	var expectedSeq uint64
	for rows.Next() {
		entry, detailsJSON, err := scanChainRow(rows)
		if err != nil {
			return err
		}
		expectedSeq++
		if entry.Sequence != expectedSeq {
			return fmt.Errorf("%w: expected sequence %d, found %d",
				ErrChainBroken, expectedSeq, entry.Sequence)
		}
		if entry.PreviousHash != expectedPrev {
			return fmt.Errorf("%w: entry %d has previous_hash %s, expected %s",
				ErrChainBroken, entry.Sequence, entry.PreviousHash, expectedPrev)
		}
		payloadHash, err := canonicalHash(detailsJSON)
		if err != nil {
			return fmt.Errorf("%w: entry %d details do not canonicalize: %v",
				ErrChainBroken, entry.Sequence, err)
		}
		if payloadHash != entry.PayloadHash {
			return fmt.Errorf("%w: entry %d payload hash mismatch",
				ErrChainBroken, entry.Sequence)
		}
		entryHash, err := hashEntry(entry)
		if err != nil {
			return fmt.Errorf("%w: entry %d hash computation failed: %v",
				ErrChainBroken, entry.Sequence, err)
		}
		if entryHash != entry.EntryHash {
			return fmt.Errorf("%w: entry %d hash mismatch (computed %s, stored %s)",
				ErrChainBroken, entry.Sequence, entryHash, entry.EntryHash)
		}
		expectedPrev = entry.EntryHash
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate audit entries: %w", err)
	}
	return nil
}

// Size returns the number of entries in the chain.
func (s *ChainStore) Size(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM audit_entries").Scan(&n); err != nil {
		return 0, fmt.Errorf("count audit entries: %w", err)
	}
	return n, nil
}

type chainScanner interface {
	Scan(dest ...any) error
}

func scanChainRow(row chainScanner) (Entry, []byte, error) {
	var (
		entry   Entry
		seq     int64
		tsText  string
		details string
	)
	err := row.Scan(&seq, &entry.ID, &tsText, &entry.Actor, &entry.Action,
		&entry.ResourceType, &entry.ResourceID, &details,
		&entry.PayloadHash, &entry.PreviousHash, &entry.EntryHash)
	if err != nil {
		return Entry{}, nil, fmt.Errorf("scan audit entry: %w", err)
	}
	entry.Sequence = uint64(seq)
	entry.Timestamp, err = time.Parse(time.RFC3339Nano, tsText)
	if err != nil {
		return Entry{}, nil, fmt.Errorf("parse audit timestamp %q: %w", tsText, err)
	}
	if details != "" && details != "{}" {
		if err := json.Unmarshal([]byte(details), &entry.Details); err != nil {
			return Entry{}, nil, fmt.Errorf("decode audit details: %w", err)
		}
	}
	return entry, []byte(details), nil
}

func marshalDetails(details map[string]any) ([]byte, error) {
	if len(details) == 0 {
		return []byte("{}"), nil
	}
	return json.Marshal(details)
}

// hashEntry hashes the chained fields of an entry. The entry ID stays out of
// the hash so identifiers can be regenerated without invalidating the chain.
func hashEntry(entry Entry) (string, error) {
	hashable := struct {
		Sequence     uint64 `json:"sequence"`
		Timestamp    string `json:"timestamp"`
		Actor        string `json:"actor"`
		Action       string `json:"action"`
		ResourceType string `json:"resource_type"`
		ResourceID   string `json:"resource_id"`
		PayloadHash  string `json:"payload_hash"`
		PreviousHash string `json:"previous_hash"`
	}{
		Sequence:     entry.Sequence,
		Timestamp:    entry.Timestamp.UTC().Format(time.RFC3339Nano),
		Actor:        entry.Actor,
		Action:       entry.Action,
		ResourceType: entry.ResourceType,
		ResourceID:   entry.ResourceID,
		PayloadHash:  entry.PayloadHash,
		PreviousHash: entry.PreviousHash,
	}
	raw, err := json.Marshal(hashable)
	if err != nil {
		return "", fmt.Errorf("marshal entry for hashing: %w", err)
	}
	return canonicalHash(raw)
}

// canonicalHash hashes the RFC 8785 canonical form of raw JSON, so key order
// and whitespace in the stored text never affect verification.
func canonicalHash(raw []byte) (string, error) {
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}
