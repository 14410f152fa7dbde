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

package blobstore

import (
	"crypto/sha512"
	"hash"
	"os"

	"github.com/lbryio/blobex/internal/blobhash"
)

// Writer accepts a streamed blob write. Concurrent writers may be opened
// against the same hash (the racing downloader, §4.5, opens one per racing
// peer); each gets its own temp file and hashes its own bytes as they
// arrive. Finalize is where the store's single-writer guarantee is
// enforced: the first Finalize whose content hashes correctly claims the
// hash atomically; every later Finalize call for the same hash — whether
// its own bytes matched or not — observes the blob already Finished and
// discards its own temp file, which is how §4.5's "other writers... lose
// the race harmlessly" is realized here without blocking any racing task
// from writing concurrently in the first place.
type Writer struct {
	store   *Store
	hash    blobhash.Hash
	tmpPath string
	f       *os.File
	hasher  hash.Hash
	written uint64
	done    bool
}

// OpenForWriting opens a new writer for hash. expectedLength, if non-nil,
// must agree with any length already on record for hash.
func (s *Store) OpenForWriting(h blobhash.Hash, expectedLength *uint64) (*Writer, error) {
	if _, err := s.GetBlob(h, expectedLength); err != nil {
		return nil, err
	}
	f, err := os.CreateTemp(s.dir, h.Hex()+".*.tmp")
	if err != nil {
		return nil, err
	}
	return &Writer{
		store:   s,
		hash:    h,
		tmpPath: f.Name(),
		f:       f,
		hasher:  sha512.New384(),
	}, nil
}

// Write appends p to the blob, failing once the running total would exceed
// MaxBlobSize (§4.1's size policy — a too-small blob is allowed mid-stream,
// only finalization enforces the exact length via the hash check).
func (w *Writer) Write(p []byte) (int, error) {
	if w.written+uint64(len(p)) > MaxBlobSize {
		return 0, ErrBlobTooLarge
	}
	n, err := w.f.Write(p)
	w.hasher.Write(p[:n])
	w.written += uint64(n)
	return n, err
}

// Abort discards the writer's temp file without finalizing, used on
// cancellation or when a losing racing task is torn down.
func (w *Writer) Abort() error {
	if w.done {
		return nil
	}
	w.done = true
	w.f.Close()
	return os.Remove(w.tmpPath)
}

// Finalize computes the SHA384 of everything written and compares it to
// the blob's identity. On match it atomically moves the temp file into
// place and marks the blob Finished (or, if another writer already won the
// race, simply discards this temp file and reports success). On mismatch
// the temp file is removed and ErrHashMismatch is returned; the blob stays
// Pending.
func (w *Writer) Finalize() error {
	if w.done {
		return nil
	}
	w.done = true
	if err := w.f.Close(); err != nil {
		return err
	}

	sum := w.hasher.Sum(nil)
	var got blobhash.Hash
	copy(got[:], sum)

	s := w.store
	s.mu.Lock()
	r, ok, err := s.getRecord(w.hash)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if ok && r.Status == StatusFinished {
		s.mu.Unlock()
		return os.Remove(w.tmpPath)
	}
	if got != w.hash {
		s.mu.Unlock()
		if rmErr := os.Remove(w.tmpPath); rmErr != nil {
			s.log.Warn("failed removing mismatched temp blob file", "path", w.tmpPath, "err", rmErr)
		}
		return ErrHashMismatch
	}

	if err := os.Rename(w.tmpPath, s.finalPath(w.hash)); err != nil {
		s.mu.Unlock()
		return err
	}
	if !ok {
		r = record{}
	}
	r.Status = StatusFinished
	r.Length = w.written
	if err := s.putRecord(w.hash, r); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()
	s.notifyWaiters(w.hash)
	return nil
}
