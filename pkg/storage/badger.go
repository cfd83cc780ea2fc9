// Package storage provides storage engine implementations for tierstore.
//
// BadgerEngine provides persistent disk-based storage using BadgerDB.
// It implements the Engine interface with ACID transactions per call.
package storage

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"
)

// Key prefixes for BadgerDB storage organization
// Using single-byte prefixes for efficiency
const (
	prefixRecord    = byte(0x01) // record:key -> codec + gob(Record)
	prefixTierIndex = byte(0x02) // tier:TIER:key -> []byte{}
	prefixConflict  = byte(0x03) // conflict:id -> gob(ConflictRecord)
)

// Value codecs. Cold records are compressed; everything else is raw gob.
const (
	codecGob     = byte(0x00)
	codecGobZstd = byte(0x01)
)

// BadgerEngine provides persistent storage using BadgerDB.
//
// Key Structure:
//   - Records: 0x01 + key -> codec byte + gob(Record)
//   - Tier Index: 0x02 + tier + 0x00 + key -> empty
//   - Conflicts: 0x03 + id -> gob(ConflictRecord), written with a TTL
//     matching the conflict retention window
//
// Example:
//
//	engine, err := storage.NewBadgerEngine("/path/to/data")
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer engine.Close()
type BadgerEngine struct {
	db       *badger.DB
	mu       sync.RWMutex
	closed   bool
	inMemory bool

	encoder *zstd.Encoder
	decoder *zstd.Decoder
	now     func() time.Time
}

// BadgerOptions configures the BadgerDB engine.
type BadgerOptions struct {
	// DataDir is the directory for storing data files.
	// Required unless InMemory is set.
	DataDir string

	// InMemory runs BadgerDB in memory-only mode.
	// Useful for testing. Data is not persisted.
	InMemory bool

	// SyncWrites forces fsync after each write.
	// Slower but more durable.
	SyncWrites bool

	// Logger receives BadgerDB internal logging. Nil keeps badger quiet.
	Logger *zap.Logger

	// LowMemory enables memory-constrained settings.
	LowMemory bool

	// EncryptionKey is the 16, 24, or 32 byte key for AES encryption.
	// Leave empty to disable encryption.
	EncryptionKey []byte
}

// NewBadgerEngine creates a new persistent storage engine with default settings.
func NewBadgerEngine(dataDir string) (*BadgerEngine, error) {
	return NewBadgerEngineWithOptions(BadgerOptions{
		DataDir: dataDir,
	})
}

// NewBadgerEngineInMemory creates an in-memory BadgerDB for testing.
//
// Data is not persisted and is lost when the engine is closed.
func NewBadgerEngineInMemory() (*BadgerEngine, error) {
	return NewBadgerEngineWithOptions(BadgerOptions{
		InMemory: true,
	})
}

// NewBadgerEngineWithOptions creates a BadgerEngine with custom configuration.
//
// Configuration Trade-offs:
//   - SyncWrites=true: Slower writes (2-5x) but maximum safety
//   - LowMemory=true: Less RAM but slightly slower
//   - InMemory=true: Fastest but data lost on shutdown
func NewBadgerEngineWithOptions(opts BadgerOptions) (*BadgerEngine, error) {
	badgerOpts := badger.DefaultOptions(opts.DataDir)

	if opts.InMemory {
		badgerOpts = badgerOpts.WithInMemory(true).WithDir("").WithValueDir("")
	}

	if opts.SyncWrites {
		badgerOpts = badgerOpts.WithSyncWrites(true)
	}

	if opts.Logger != nil {
		badgerOpts = badgerOpts.WithLogger(&badgerLogger{log: opts.Logger.Sugar().Named("badger")})
	} else {
		// Use a quiet logger by default
		badgerOpts = badgerOpts.WithLogger(nil)
	}

	if len(opts.EncryptionKey) > 0 {
		keyLen := len(opts.EncryptionKey)
		if keyLen != 16 && keyLen != 24 && keyLen != 32 {
			return nil, fmt.Errorf("encryption key must be 16, 24, or 32 bytes (got %d bytes)", keyLen)
		}
		badgerOpts = badgerOpts.WithEncryptionKey(opts.EncryptionKey).WithIndexCacheSize(32 << 20)
	}

	if opts.LowMemory {
		badgerOpts = badgerOpts.
			WithMemTableSize(8 << 20).      // 8MB memtable
			WithValueLogFileSize(32 << 20). // 32MB value log
			WithNumMemtables(1).
			WithNumLevelZeroTables(1).
			WithNumLevelZeroTablesStall(2).
			WithBlockCacheSize(8 << 20)
	} else {
		badgerOpts = badgerOpts.
			WithMemTableSize(64 << 20).
			WithValueLogFileSize(128 << 20).
			WithNumMemtables(3).
			WithValueThreshold(64 << 10). // keep most records in the LSM tree
			WithBlockCacheSize(64 << 20)
	}

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		db.Close()
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	return &BadgerEngine{
		db:       db,
		inMemory: opts.InMemory,
		encoder:  enc,
		decoder:  dec,
		now:      time.Now,
	}, nil
}

// IsInMemory returns true if the engine is running in memory-only mode.
func (b *BadgerEngine) IsInMemory() bool {
	return b.inMemory
}

// ============================================================================
// Key encoding helpers
// ============================================================================

func recordKey(key string) []byte {
	return append([]byte{prefixRecord}, []byte(key)...)
}

func conflictKey(id string) []byte {
	return append([]byte{prefixConflict}, []byte(id)...)
}

// tierIndexKey creates a key for the tier index.
// Format: prefix + tier + 0x00 + key
func tierIndexKey(tier Tier, key string) []byte {
	out := make([]byte, 0, 1+len(tier)+1+len(key))
	out = append(out, prefixTierIndex)
	out = append(out, []byte(tier)...)
	out = append(out, 0x00)
	out = append(out, []byte(key)...)
	return out
}

// tierIndexPrefix returns the prefix for scanning all keys of a tier.
func tierIndexPrefix(tier Tier) []byte {
	out := make([]byte, 0, 1+len(tier)+1)
	out = append(out, prefixTierIndex)
	out = append(out, []byte(tier)...)
	out = append(out, 0x00)
	return out
}

// ============================================================================
// Serialization helpers
// ============================================================================

// encodeRecord serializes a Record using gob, compressing cold records.
func (b *BadgerEngine) encodeRecord(r *Record) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(r); err != nil {
		return nil, err
	}
	if r.Tier == TierCold {
		out := make([]byte, 1, buf.Len()/2+1)
		out[0] = codecGobZstd
		return b.encoder.EncodeAll(buf.Bytes(), out), nil
	}
	return append([]byte{codecGob}, buf.Bytes()...), nil
}

// decodeRecord deserializes a Record from its codec-prefixed form.
func (b *BadgerEngine) decodeRecord(data []byte) (*Record, error) {
	if len(data) == 0 {
		return nil, ErrInvalidData
	}
	body := data[1:]
	switch data[0] {
	case codecGob:
	case codecGobZstd:
		raw, err := b.decoder.DecodeAll(body, nil)
		if err != nil {
			return nil, fmt.Errorf("decompress record: %w", err)
		}
		body = raw
	default:
		return nil, fmt.Errorf("%w: unknown record codec 0x%02x", ErrInvalidData, data[0])
	}
	var rec Record
	if err := gob.NewDecoder(bytes.NewReader(body)).Decode(&rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func encodeConflict(c *ConflictRecord) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(c); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeConflict(data []byte) (*ConflictRecord, error) {
	var c ConflictRecord
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&c); err != nil {
		return nil, err
	}
	return &c, nil
}

// ============================================================================
// Record Operations
// ============================================================================

// PutRecord creates or replaces a record and indexes it under its tier.
// Index entries for previous tiers are left for RemoveTierIndex.
func (b *BadgerEngine) PutRecord(ctx context.Context, rec *Record) error {
	if rec == nil {
		return ErrInvalidData
	}
	if rec.Key == "" {
		return ErrInvalidID
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := b.encodeRecord(rec)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}

	return b.withUpdate(ctx, func(txn *badger.Txn) error {
		if err := txn.Set(recordKey(rec.Key), data); err != nil {
			return err
		}
		return txn.Set(tierIndexKey(rec.Tier, rec.Key), []byte{})
	})
}

// GetRecord retrieves a record by key.
func (b *BadgerEngine) GetRecord(ctx context.Context, key string) (*Record, error) {
	if key == "" {
		return nil, ErrInvalidID
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var rec *Record
	err := b.withView(ctx, func(txn *badger.Txn) error {
		var err error
		rec, err = b.getRecordTxn(txn, key)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (b *BadgerEngine) getRecordTxn(txn *badger.Txn, key string) (*Record, error) {
	item, err := txn.Get(recordKey(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var rec *Record
	err = item.Value(func(val []byte) error {
		var decodeErr error
		rec, decodeErr = b.decodeRecord(val)
		return decodeErr
	})
	return rec, err
}

// DeleteRecord removes a record and every tier index entry for it.
func (b *BadgerEngine) DeleteRecord(ctx context.Context, key string) error {
	if key == "" {
		return ErrInvalidID
	}
	return b.withUpdate(ctx, func(txn *badger.Txn) error {
		if _, err := txn.Get(recordKey(key)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		if err := txn.Delete(recordKey(key)); err != nil {
			return err
		}
		for _, t := range AllTiers {
			if err := txn.Delete(tierIndexKey(t, key)); err != nil {
				return err
			}
		}
		return nil
	})
}

// ScanTier walks the tier index in key order, strictly after afterKey.
func (b *BadgerEngine) ScanTier(ctx context.Context, tier Tier, afterKey string, limit int) ([]*Record, error) {
	prefix := tierIndexPrefix(tier)
	var out []*Record

	err := b.withView(ctx, func(txn *badger.Txn) error {
		it := txn.NewIterator(iterOpts(prefix, 0))
		defer it.Close()

		start := prefix
		if afterKey != "" {
			start = tierIndexKey(tier, afterKey)
		}
		for it.Seek(start); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			key := string(it.Item().Key()[len(prefix):])
			if key <= afterKey {
				continue
			}
			rec, err := b.getRecordTxn(txn, key)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			out = append(out, rec)
			if limit > 0 && len(out) >= limit {
				return nil
			}
		}
		return nil
	})
	return out, err
}

// AllKeys returns every record key in key order.
func (b *BadgerEngine) AllKeys(ctx context.Context) ([]string, error) {
	var keys []string
	err := b.withView(ctx, func(txn *badger.Txn) error {
		prefix := []byte{prefixRecord}
		it := txn.NewIterator(iterOpts(prefix, 0))
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, string(it.Item().Key()[1:]))
		}
		return nil
	})
	return keys, err
}

// RemoveTierIndex drops a stale tier index entry. The entry for the
// record's current tier is never removed.
func (b *BadgerEngine) RemoveTierIndex(ctx context.Context, tier Tier, key string) error {
	return b.withUpdate(ctx, func(txn *badger.Txn) error {
		rec, err := b.getRecordTxn(txn, key)
		if err == nil && rec.Tier == tier {
			return nil
		}
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		return txn.Delete(tierIndexKey(tier, key))
	})
}

// ============================================================================
// Conflict Operations
// ============================================================================

// PutConflict stores a conflict record. When ExpiresAt is set the entry is
// written with a badger TTL so retention is enforced by the storage layer.
func (b *BadgerEngine) PutConflict(ctx context.Context, c *ConflictRecord) error {
	if c == nil {
		return ErrInvalidData
	}
	if c.ID == "" {
		return ErrInvalidID
	}
	data, err := encodeConflict(c)
	if err != nil {
		return fmt.Errorf("failed to encode conflict: %w", err)
	}

	return b.withUpdate(ctx, func(txn *badger.Txn) error {
		entry := badger.NewEntry(conflictKey(c.ID), data)
		if !c.ExpiresAt.IsZero() {
			ttl := c.ExpiresAt.Sub(b.now())
			if ttl <= 0 {
				return txn.Delete(conflictKey(c.ID))
			}
			entry = entry.WithTTL(ttl)
		}
		return txn.SetEntry(entry)
	})
}

// GetConflict retrieves a conflict record by id.
func (b *BadgerEngine) GetConflict(ctx context.Context, id string) (*ConflictRecord, error) {
	if id == "" {
		return nil, ErrInvalidID
	}
	var out *ConflictRecord
	err := b.withView(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(conflictKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			var decodeErr error
			out, decodeErr = decodeConflict(val)
			return decodeErr
		})
	})
	return out, err
}

// ListConflicts returns all live conflict records ordered by creation time.
func (b *BadgerEngine) ListConflicts(ctx context.Context) ([]*ConflictRecord, error) {
	var out []*ConflictRecord
	err := b.withView(ctx, func(txn *badger.Txn) error {
		it := txn.NewIterator(iterOpts([]byte{prefixConflict}, 64))
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				c, err := decodeConflict(val)
				if err != nil {
					return err
				}
				out = append(out, c)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortConflicts(out)
	return out, nil
}

// DeleteConflict removes a conflict record.
func (b *BadgerEngine) DeleteConflict(ctx context.Context, id string) error {
	return b.withUpdate(ctx, func(txn *badger.Txn) error {
		if _, err := txn.Get(conflictKey(id)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		return txn.Delete(conflictKey(id))
	})
}

// Close closes the database.
func (b *BadgerEngine) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	b.encoder.Close()
	b.decoder.Close()
	return b.db.Close()
}

func (b *BadgerEngine) ensureOpen() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrStorageClosed
	}
	return nil
}

// withView runs fn in a read-only transaction unless ctx is already done.
func (b *BadgerEngine) withView(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := b.ensureOpen(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.View(fn)
}

// withUpdate runs fn in a read-write transaction. Per-key writes are
// serialized above the engine, so badger transaction conflicts are not
// retried here.
func (b *BadgerEngine) withUpdate(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := b.ensureOpen(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.Update(fn)
}

// iterOpts scans one key prefix. prefetch 0 iterates keys only.
func iterOpts(prefix []byte, prefetch int) badger.IteratorOptions {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.PrefetchValues = prefetch > 0
	if prefetch > 0 {
		opts.PrefetchSize = prefetch
	}
	return opts
}

// badgerLogger adapts zap to badger.Logger.
type badgerLogger struct {
	log *zap.SugaredLogger
}

func (l *badgerLogger) Errorf(f string, v ...interface{})   { l.log.Errorf(f, v...) }
func (l *badgerLogger) Warningf(f string, v ...interface{}) { l.log.Warnf(f, v...) }
func (l *badgerLogger) Infof(f string, v ...interface{})    { l.log.Debugf(f, v...) }
func (l *badgerLogger) Debugf(f string, v ...interface{})   { l.log.Debugf(f, v...) }

// Verify BadgerEngine implements Engine
var _ Engine = (*BadgerEngine)(nil)
