// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package extractor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// ledgerPrefix namespaces extraction entries in the database.
const ledgerPrefix = "extract/"

// Entry status values.
const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// ErrLedgerClosed is returned by operations on a closed ledger.
var ErrLedgerClosed = errors.New("ledger is closed")

// LedgerEntry is the persisted outcome of one item in one run.
type LedgerEntry struct {
	RunID      string    `json:"run_id"`
	Index      int       `json:"index"`
	Artifact   string    `json:"artifact"`
	Status     string    `json:"status"`
	Reason     string    `json:"reason,omitempty"`
	Error      string    `json:"error,omitempty"`
	ExitCode   int       `json:"exit_code"`
	Records    []string  `json:"records,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
}

// Ledger journals extraction outcomes across runs.
type Ledger interface {
	// Record stores the entries of one run.
	Record(ctx context.Context, entries []LedgerEntry) error

	// List returns the entries of runID, or of every run when runID is
	// empty, ordered by run then item index.
	List(ctx context.Context, runID string) ([]LedgerEntry, error)

	// Close releases the underlying store.
	Close() error
}

// newLedgerEntry converts an item result for persistence.
func newLedgerEntry(runID string, r ItemResult, at time.Time) LedgerEntry {
	e := LedgerEntry{
		RunID:      runID,
		Index:      r.Index,
		Artifact:   r.Artifact,
		Status:     StatusSucceeded,
		ExitCode:   r.ExitCode,
		Records:    r.Records,
		FinishedAt: at.UTC(),
	}
	if r.Err != nil {
		e.Status = StatusFailed
		e.Reason = r.Reason
		e.Error = r.Err.Error()
	}
	return e
}

// =============================================================================
// Badger Ledger
// =============================================================================

// LedgerConfig configures a BadgerLedger.
type LedgerConfig struct {
	// Path is the database directory. Required unless InMemory is set.
	Path string

	// InMemory keeps the ledger in memory only. Intended for tests.
	InMemory bool

	// SyncWrites fsyncs every commit.
	SyncWrites bool

	// Logger receives badger's internal log output. Nil silences it.
	Logger *slog.Logger
}

// BadgerLedger stores ledger entries in BadgerDB under
// "extract/<run id>/<index>". Run ids are UUIDv7, so key order is
// chronological.
//
// # Thread Safety
//
// Safe for concurrent use.
type BadgerLedger struct {
	db *badger.DB
}

// OpenLedger opens or creates a ledger.
func OpenLedger(cfg LedgerConfig) (*BadgerLedger, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent ledger")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create ledger directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)

	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	return &BadgerLedger{db: db}, nil
}

// Record writes all entries through one write batch.
func (l *BadgerLedger) Record(ctx context.Context, entries []LedgerEntry) error {
	if l.db.IsClosed() {
		return ErrLedgerClosed
	}
	wb := l.db.NewWriteBatch()
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			wb.Cancel()
			return err
		}
		val, err := json.Marshal(e)
		if err != nil {
			wb.Cancel()
			return fmt.Errorf("encode ledger entry: %w", err)
		}
		if err := wb.Set(ledgerKey(e.RunID, e.Index), val); err != nil {
			wb.Cancel()
			return fmt.Errorf("write ledger entry: %w", err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("flush ledger: %w", err)
	}
	return nil
}

// List implements Ledger.
func (l *BadgerLedger) List(ctx context.Context, runID string) ([]LedgerEntry, error) {
	if l.db.IsClosed() {
		return nil, ErrLedgerClosed
	}
	prefix := []byte(ledgerPrefix)
	if runID != "" {
		prefix = []byte(ledgerPrefix + runID + "/")
	}

	var out []LedgerEntry
	err := l.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix, PrefetchValues: true, PrefetchSize: 100})
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var e LedgerEntry
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &e)
			}); err != nil {
				return fmt.Errorf("decode ledger entry %s: %w", it.Item().Key(), err)
			}
			out = append(out, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Close closes the database.
func (l *BadgerLedger) Close() error {
	if l.db.IsClosed() {
		return nil
	}
	return l.db.Close()
}

// ledgerKey zero-pads the index so keys sort by item order.
func ledgerKey(runID string, index int) []byte {
	return []byte(fmt.Sprintf("%s%s/%08d", ledgerPrefix, runID, index))
}

// badgerLogger adapts slog to badger's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

var _ Ledger = (*BadgerLedger)(nil)
