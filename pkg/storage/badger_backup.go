package storage

import (
	"bufio"
	"errors"
	"fmt"
	"os"

	"github.com/dgraph-io/badger/v4"
)

// Maintainer is implemented by engines with background housekeeping.
type Maintainer interface {
	// RunGC reclaims space from rewritten or deleted values.
	RunGC() error
	// Size returns the approximate on-disk size in bytes.
	Size() (lsm, vlog int64)
}

// Backup writes a consistent snapshot of every record, tier index entry and
// conflict record to path. The file can be loaded with Restore.
func (b *BadgerEngine) Backup(path string) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrStorageClosed
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create backup file: %w", err)
	}
	defer f.Close()

	buf := bufio.NewWriterSize(f, 16*1024*1024)

	// since=0 is a full backup
	if _, err := b.db.Backup(buf, 0); err != nil {
		return fmt.Errorf("backup failed: %w", err)
	}
	if err := buf.Flush(); err != nil {
		return fmt.Errorf("failed to flush backup: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("failed to sync backup: %w", err)
	}
	return nil
}

// Restore loads a file written by Backup. Keys present in both are
// overwritten by the backup; other keys are left alone.
func (b *BadgerEngine) Restore(path string) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrStorageClosed
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open backup file: %w", err)
	}
	defer f.Close()

	if err := b.db.Load(bufio.NewReaderSize(f, 16*1024*1024), 256); err != nil {
		return fmt.Errorf("restore failed: %w", err)
	}
	return nil
}

// RunGC runs value log garbage collection until there is nothing left to
// rewrite. It is a no-op for in-memory engines.
func (b *BadgerEngine) RunGC() error {
	if err := b.ensureOpen(); err != nil {
		return err
	}
	for {
		err := b.db.RunValueLogGC(0.5)
		switch {
		case err == nil:
			continue
		case errors.Is(err, badger.ErrNoRewrite), errors.Is(err, badger.ErrGCInMemoryMode):
			return nil
		default:
			return err
		}
	}
}

// Size returns the approximate size of the database in bytes.
func (b *BadgerEngine) Size() (lsm, vlog int64) {
	if b.ensureOpen() != nil {
		return 0, 0
	}
	return b.db.Size()
}

var _ Maintainer = (*BadgerEngine)(nil)
