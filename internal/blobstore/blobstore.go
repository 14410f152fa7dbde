// Copyright 2024 The go-blobex Authors
// This file is part of the go-blobex library.
//
// The go-blobex library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The go-blobex library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the go-blobex library. If not, see <http://www.gnu.org/licenses/>.

// Package blobstore implements C1: a content-addressed, fixed-max-size
// blob store backed by a plain directory of files plus a leveldb sidecar
// metadata table, generalized from the teacher's small typed
// accessor-over-a-kv-store pattern in core/rawdb/accessors_state.go.
package blobstore

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/deckarep/golang-set"
	"github.com/syndtr/goleveldb/leveldb"
	goleveldberrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/lbryio/blobex/internal/blobhash"
	"github.com/lbryio/blobex/internal/xlog"
)

// MaxBlobSize is the maximum number of bytes a single blob may contain (§3).
const MaxBlobSize = 2 * 1024 * 1024

// Status is a blob's lifecycle state (§3).
type Status int

const (
	StatusPending Status = iota
	StatusFinished
	StatusDeleted
)

var (
	// ErrBlobTooLarge is returned when a write would exceed MaxBlobSize.
	ErrBlobTooLarge = errors.New("blobstore: blob exceeds maximum size")
	// ErrHashMismatch is returned by Finalize when the written content does
	// not hash to the blob's identity.
	ErrHashMismatch = errors.New("blobstore: finalized content does not match blob hash")
	// ErrInvalidLength is returned when a caller's expected length
	// conflicts with a length already on record for the hash.
	ErrInvalidLength = errors.New("blobstore: expected length conflicts with known length")
	// ErrNotFinished is returned by OpenForReading on a blob that isn't
	// Finished yet.
	ErrNotFinished = errors.New("blobstore: blob is not finished")
)

type record struct {
	Length         uint64 `json:"length"`
	Status         Status `json:"status"`
	ShouldAnnounce bool   `json:"should_announce"`
	// LastAnnouncedAt is unix seconds of the last successful DHT announce,
	// zero if never announced.
	LastAnnouncedAt int64 `json:"last_announced_at"`
}

// Store owns the on-disk blob files and the leveldb metadata table. All
// mutation (write/finalize/delete) for a given hash is serialized through
// mu; reads and mutations on different hashes don't contend beyond that
// brief metadata-row critical section.
type Store struct {
	dir string
	db  *leveldb.DB
	log xlog.Logger

	mu      sync.Mutex
	waiters map[blobhash.Hash][]chan struct{}
}

// Open opens (creating if needed) a blob store rooted at dir, with its
// leveldb metadata table at dbPath. Any orphaned *.tmp files left behind by
// a prior crash are removed, per §4.1's failure semantics.
func Open(dir, dbPath string, log xlog.Logger) (*Store, error) {
	if log == nil {
		log = xlog.New("component", "blobstore")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	db, err := leveldb.OpenFile(dbPath, nil)
	if err != nil {
		return nil, err
	}
	s := &Store{dir: dir, db: db, log: log, waiters: make(map[blobhash.Hash][]chan struct{})}
	if err := s.gcTempFiles(); err != nil {
		log.Warn("failed to garbage collect temp blob files", "err", err)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) gcTempFiles() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if strings.Contains(e.Name(), ".tmp") {
			path := filepath.Join(s.dir, e.Name())
			if err := os.Remove(path); err != nil {
				s.log.Warn("could not remove orphaned temp blob file", "path", path, "err", err)
			} else {
				s.log.Debug("removed orphaned temp blob file", "path", path)
			}
		}
	}
	return nil
}

func (s *Store) finalPath(h blobhash.Hash) string {
	return filepath.Join(s.dir, h.Hex())
}

func (s *Store) getRecord(h blobhash.Hash) (record, bool, error) {
	v, err := s.db.Get(h[:], nil)
	if err != nil {
		if errors.Is(err, goleveldberrors.ErrNotFound) {
			return record{}, false, nil
		}
		return record{}, false, err
	}
	var r record
	if err := json.Unmarshal(v, &r); err != nil {
		return record{}, false, err
	}
	return r, true, nil
}

func (s *Store) putRecord(h blobhash.Hash, r record) error {
	v, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return s.db.Put(h[:], v, nil)
}

// BlobHandle is a lightweight view onto a blob's current state, returned by
// GetBlob. It carries no open file descriptor; Open{Reading,Writing} is a
// separate step.
type BlobHandle struct {
	store  *Store
	Hash   blobhash.Hash
	Length uint64
	Status Status
}

// Verified reports whether the blob is in the Finished state.
func (h BlobHandle) Verified() bool { return h.Status == StatusFinished }

// Wait blocks until the blob becomes Finished or ctx is done. It is the
// supplement described in SPEC_FULL.md §3 that lets a caller hold a handle
// to "this blob, once finished" before it is finished, enabling pipelined
// prefetch in the stream assembler.
func (h BlobHandle) Wait(ctx doneCtx) error {
	if h.Verified() {
		return nil
	}
	ch := h.store.addWaiter(h.Hash)
	defer h.store.removeWaiter(h.Hash, ch)
	for {
		r, ok, err := h.store.getRecord(h.Hash)
		if err != nil {
			return err
		}
		if ok && r.Status == StatusFinished {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

// doneCtx is the minimal subset of context.Context Wait needs; declared
// locally so this file doesn't need to import context just for this method
// signature.
type doneCtx interface {
	Done() <-chan struct{}
	Err() error
}

func (s *Store) addWaiter(h blobhash.Hash) chan struct{} {
	ch := make(chan struct{})
	s.mu.Lock()
	s.waiters[h] = append(s.waiters[h], ch)
	s.mu.Unlock()
	return ch
}

func (s *Store) removeWaiter(h blobhash.Hash, ch chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.waiters[h]
	for i, c := range list {
		if c == ch {
			s.waiters[h] = append(list[:i], list[i+1:]...)
			break
		}
	}
}

func (s *Store) notifyWaiters(h blobhash.Hash) {
	s.mu.Lock()
	list := s.waiters[h]
	delete(s.waiters, h)
	s.mu.Unlock()
	for _, ch := range list {
		close(ch)
	}
}

// GetBlob returns a handle for hash, creating a Pending record if the hash
// is unknown. expectedLength, if non-nil, must agree with any length
// already on record.
func (s *Store) GetBlob(h blobhash.Hash, expectedLength *uint64) (BlobHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok, err := s.getRecord(h)
	if err != nil {
		return BlobHandle{}, err
	}
	if !ok {
		r = record{Status: StatusPending}
		if expectedLength != nil {
			r.Length = *expectedLength
		}
		if err := s.putRecord(h, r); err != nil {
			return BlobHandle{}, err
		}
		return BlobHandle{store: s, Hash: h, Length: r.Length, Status: r.Status}, nil
	}
	if expectedLength != nil && r.Length != 0 && r.Length != *expectedLength {
		return BlobHandle{}, ErrInvalidLength
	}
	return BlobHandle{store: s, Hash: h, Length: r.Length, Status: r.Status}, nil
}

// CompletedHashes lazily enumerates every Finished blob.
func (s *Store) CompletedHashes() *HashIterator {
	it := s.db.NewIterator(&util.Range{}, nil)
	return &HashIterator{it: it}
}

// HashIterator is a lazy cursor over blob hashes matching a predicate
// evaluated during iteration, avoiding materializing the whole table.
type HashIterator struct {
	it      iterator.Iterator
	current blobhash.Hash
}

func (hi *HashIterator) Next() bool {
	for hi.it.Next() {
		key := hi.it.Key()
		if len(key) != blobhash.Size {
			continue
		}
		var r record
		if err := json.Unmarshal(hi.it.Value(), &r); err != nil {
			continue
		}
		if r.Status != StatusFinished {
			continue
		}
		copy(hi.current[:], key)
		return true
	}
	return false
}

func (hi *HashIterator) Hash() blobhash.Hash { return hi.current }
func (hi *HashIterator) Close()              { hi.it.Release() }

// Delete removes the blob files for hashes and marks their records Deleted.
func (s *Store) Delete(hashes []blobhash.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch := new(leveldb.Batch)
	for _, h := range hashes {
		if err := os.Remove(s.finalPath(h)); err != nil && !os.IsNotExist(err) {
			s.log.Warn("failed removing blob file", "hash", h, "err", err)
		}
		r, ok, err := s.getRecord(h)
		if err != nil {
			return err
		}
		if !ok {
			r = record{}
		}
		r.Status = StatusDeleted
		v, err := json.Marshal(r)
		if err != nil {
			return err
		}
		batch.Put(h[:], v)
	}
	return s.db.Write(batch, nil)
}

// MarkShouldAnnounce sets the should_announce hint on a known blob.
func (s *Store) MarkShouldAnnounce(h blobhash.Hash, should bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok, err := s.getRecord(h)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	r.ShouldAnnounce = should
	return s.putRecord(h, r)
}

// Announced records a successful DHT announce at ts.
func (s *Store) Announced(h blobhash.Hash, ts time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok, err := s.getRecord(h)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	r.LastAnnouncedAt = ts.Unix()
	return s.putRecord(h, r)
}

// BlobsToAnnounce returns the set of Finished blob hashes due for a DHT
// re-announce: never announced, explicitly should_announce, or last
// announced more than interval ago (§3's Announce Queue).
func (s *Store) BlobsToAnnounce(now time.Time, interval time.Duration) (mapset.Set, error) {
	out := mapset.NewThreadUnsafeSet()
	it := s.db.NewIterator(&util.Range{}, nil)
	defer it.Release()
	for it.Next() {
		key := it.Key()
		if len(key) != blobhash.Size {
			continue
		}
		var r record
		if err := json.Unmarshal(it.Value(), &r); err != nil {
			continue
		}
		if r.Status != StatusFinished {
			continue
		}
		due := r.ShouldAnnounce || r.LastAnnouncedAt == 0 ||
			now.Sub(time.Unix(r.LastAnnouncedAt, 0)) > interval
		if due {
			var h blobhash.Hash
			copy(h[:], key)
			out.Add(h)
		}
	}
	return out, it.Error()
}

// VerifyBlob re-hashes a Finished blob's on-disk bytes and demotes it back
// to Pending (removing the corrupted file) if they no longer match its
// identity, per §4.1's failure semantics for tampered/corrupted disk
// content. It is not run on every read (too expensive for the 2MiB blob
// case); callers (a periodic scrub, or diagnostics) invoke it explicitly.
func (s *Store) VerifyBlob(h blobhash.Hash) error {
	r, ok, err := s.getRecord(h)
	if err != nil || !ok || r.Status != StatusFinished {
		return err
	}
	data, err := os.ReadFile(s.finalPath(h))
	if err != nil {
		if os.IsNotExist(err) {
			return s.demote(h, r)
		}
		return err
	}
	if blobhash.Sum(data) != h {
		if err := os.Remove(s.finalPath(h)); err != nil && !os.IsNotExist(err) {
			s.log.Warn("failed removing corrupted blob file", "hash", h, "err", err)
		}
		return s.demote(h, r)
	}
	return nil
}

func (s *Store) demote(h blobhash.Hash, r record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r.Status = StatusPending
	return s.putRecord(h, r)
}
