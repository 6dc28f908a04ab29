package storage

import (
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/pebble"

	"github.com/reliquary/core/pkg/audit"
	"github.com/reliquary/core/pkg/threshold"
)

// PebbleStore is the durable backing store adapted from the teacher's
// pkg/storage.PebbleStore: same embedded *pebble.DB, same Sync-on-write
// discipline, repointed at ReliQuary's own persisted state layout (§6) —
// audit log segments and threshold scheme/share tables — instead of the
// teacher's account/position/order/trade tables, which have no analog here.
type PebbleStore struct {
	db *pebble.DB
}

func NewPebbleStore(path string) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &PebbleStore{db: db}, nil
}

func (s *PebbleStore) Close() error { return s.db.Close() }

// ============================================================================
// Audit log persistence — backs audit.Log as an audit.Persister.
// ============================================================================

// key layout: au:<8-byte-index> -> gob-encoded audit.Entry
func auditKey(index uint64) []byte { return append([]byte("au:"), indexKey(index)...) }

var auditPrefix = []byte("au:")

// PersistEntry implements audit.Persister.
func (s *PebbleStore) PersistEntry(e audit.Entry) error {
	val, err := encodeGob(e)
	if err != nil {
		return fmt.Errorf("storage: persist audit entry %d: %w", e.Index, err)
	}
	if err := s.db.Set(auditKey(e.Index), val, pebble.Sync); err != nil {
		return fmt.Errorf("storage: persist audit entry %d: %w", e.Index, err)
	}
	return nil
}

// Flush implements audit.Persister. Every PersistEntry write already went
// through pebble.Sync, so each entry is durable once Set returns; Flush
// additionally writes the memtable out to sstables.
func (s *PebbleStore) Flush() error {
	return s.db.Flush()
}

// LoadAll implements audit.Persister, replaying the full chain in index
// order on startup.
func (s *PebbleStore) LoadAll() ([]audit.Entry, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: auditPrefix,
		UpperBound: keyUpperBound(auditPrefix),
	})
	if err != nil {
		return nil, fmt.Errorf("storage: load audit log: %w", err)
	}
	defer iter.Close()

	var entries []audit.Entry
	for iter.First(); iter.Valid(); iter.Next() {
		var e audit.Entry
		if err := decodeGob(iter.Value(), &e); err != nil {
			return nil, fmt.Errorf("storage: decode audit entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

var _ audit.Persister = (*PebbleStore)(nil)

// ============================================================================
// Threshold scheme/share persistence — §6's "Persisted state layout":
// schemes: {scheme_id -> config}; shares: {scheme_id -> {party_id -> share}}.
// Opt-in crash-recovery storage; threshold.Engine itself runs in-memory and
// does not require a backing store to operate.
// ============================================================================

func schemeKey(schemeID string) []byte { return append([]byte("sch:"), []byte(schemeID)...) }
func shareKey(schemeID string, partyID int) []byte {
	return []byte(fmt.Sprintf("shr:%s:%d", schemeID, partyID))
}
func sharePrefix(schemeID string) []byte { return []byte(fmt.Sprintf("shr:%s:", schemeID)) }

// SaveScheme persists the JSON-encoded scheme config under its scheme_id.
func (s *PebbleStore) SaveScheme(schemeID string, config any) error {
	data, err := json.Marshal(config)
	if err != nil {
		return fmt.Errorf("storage: marshal scheme %s: %w", schemeID, err)
	}
	if err := s.db.Set(schemeKey(schemeID), data, pebble.Sync); err != nil {
		return fmt.Errorf("storage: save scheme %s: %w", schemeID, err)
	}
	return nil
}

// LoadScheme decodes a previously-saved scheme config into out. Returns
// false, nil if no scheme is stored under schemeID.
func (s *PebbleStore) LoadScheme(schemeID string, out any) (bool, error) {
	data, closer, err := s.db.Get(schemeKey(schemeID))
	if err == pebble.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("storage: load scheme %s: %w", schemeID, err)
	}
	defer closer.Close()
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("storage: unmarshal scheme %s: %w", schemeID, err)
	}
	return true, nil
}

// SaveShare persists one party's share for a scheme.
func (s *PebbleStore) SaveShare(schemeID string, partyID int, share any) error {
	data, err := json.Marshal(share)
	if err != nil {
		return fmt.Errorf("storage: marshal share %s/%d: %w", schemeID, partyID, err)
	}
	if err := s.db.Set(shareKey(schemeID, partyID), data, pebble.Sync); err != nil {
		return fmt.Errorf("storage: save share %s/%d: %w", schemeID, partyID, err)
	}
	return nil
}

// LoadShares decodes every stored share for schemeID via decodeOne, called
// once per matching key with the raw JSON bytes.
func (s *PebbleStore) LoadShares(schemeID string, decodeOne func(raw []byte) error) error {
	prefix := sharePrefix(schemeID)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return fmt.Errorf("storage: load shares %s: %w", schemeID, err)
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		if err := decodeOne(iter.Value()); err != nil {
			return fmt.Errorf("storage: decode share %s: %w", schemeID, err)
		}
	}
	return nil
}

var schemePrefix = []byte("sch:")

// ListSchemeIDs returns every scheme_id with a persisted config, for replay
// on startup.
func (s *PebbleStore) ListSchemeIDs() ([]string, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: schemePrefix,
		UpperBound: keyUpperBound(schemePrefix),
	})
	if err != nil {
		return nil, fmt.Errorf("storage: list schemes: %w", err)
	}
	defer iter.Close()

	var ids []string
	for iter.First(); iter.Valid(); iter.Next() {
		ids = append(ids, string(iter.Key()[len(schemePrefix):]))
	}
	return ids, nil
}

var _ threshold.Persister = (*PebbleStore)(nil)
