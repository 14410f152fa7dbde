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
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lbryio/blobex/internal/blobhash"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "blobfiles"), filepath.Join(dir, "meta"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func writeBlob(t *testing.T, s *Store, content []byte) blobhash.Hash {
	t.Helper()
	h := blobhash.Sum(content)
	w, err := s.OpenForWriting(h, nil)
	require.NoError(t, err)
	_, err = w.Write(content)
	require.NoError(t, err)
	require.NoError(t, w.Finalize())
	return h
}

func TestWriteReadRoundTrip(t *testing.T) {
	s := newTestStore(t)
	content := []byte("hello blob exchange")
	h := writeBlob(t, s, content)

	handle, err := s.GetBlob(h, nil)
	require.NoError(t, err)
	require.True(t, handle.Verified())
	require.EqualValues(t, len(content), handle.Length)

	r, err := s.OpenForReading(h)
	require.NoError(t, err)
	defer r.Close()
	require.Equal(t, content, r.Bytes())
}

func TestHashMismatchStaysPending(t *testing.T) {
	s := newTestStore(t)
	real := []byte("correct bytes")
	h := blobhash.Sum(real)

	w, err := s.OpenForWriting(h, nil)
	require.NoError(t, err)
	_, err = w.Write([]byte("wrong bytes"))
	require.NoError(t, err)
	err = w.Finalize()
	require.ErrorIs(t, err, ErrHashMismatch)

	handle, err := s.GetBlob(h, nil)
	require.NoError(t, err)
	require.False(t, handle.Verified())

	_, err = s.OpenForReading(h)
	require.ErrorIs(t, err, ErrNotFinished)
}

func TestBlobTooLarge(t *testing.T) {
	s := newTestStore(t)
	h := blobhash.Sum([]byte("whatever"))
	w, err := s.OpenForWriting(h, nil)
	require.NoError(t, err)
	big := make([]byte, MaxBlobSize+1)
	_, err = w.Write(big)
	require.ErrorIs(t, err, ErrBlobTooLarge)
}

func TestConcurrentWritersSecondAttaches(t *testing.T) {
	s := newTestStore(t)
	content := []byte("raced content")
	h := blobhash.Sum(content)

	w1, err := s.OpenForWriting(h, nil)
	require.NoError(t, err)
	w2, err := s.OpenForWriting(h, nil)
	require.NoError(t, err)

	_, err = w1.Write(content)
	require.NoError(t, err)
	_, err = w2.Write(content)
	require.NoError(t, err)

	require.NoError(t, w1.Finalize())
	require.NoError(t, w2.Finalize()) // attaches to w1's completion, no error

	handle, err := s.GetBlob(h, nil)
	require.NoError(t, err)
	require.True(t, handle.Verified())
}

func TestInvalidLengthConflict(t *testing.T) {
	s := newTestStore(t)
	content := []byte("fixed length blob")
	h := writeBlob(t, s, content)

	wantLen := uint64(len(content) + 1)
	_, err := s.GetBlob(h, &wantLen)
	require.ErrorIs(t, err, ErrInvalidLength)
}

func TestDeleteMarksDeletedAndRemovesFile(t *testing.T) {
	s := newTestStore(t)
	content := []byte("to be deleted")
	h := writeBlob(t, s, content)

	require.NoError(t, s.Delete([]blobhash.Hash{h}))
	_, err := os.Stat(s.finalPath(h))
	require.True(t, os.IsNotExist(err))

	_, err = s.OpenForReading(h)
	require.ErrorIs(t, err, ErrNotFinished)
}

func TestOrphanedTempFileGarbageCollectedAtStartup(t *testing.T) {
	dir := t.TempDir()
	blobDir := filepath.Join(dir, "blobfiles")
	require.NoError(t, os.MkdirAll(blobDir, 0o755))
	orphan := filepath.Join(blobDir, "deadbeef.123.tmp")
	require.NoError(t, os.WriteFile(orphan, []byte("partial"), 0o644))

	s, err := Open(blobDir, filepath.Join(dir, "meta"), nil)
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(orphan)
	require.True(t, os.IsNotExist(err))
}

func TestWaitUnblocksOnFinalize(t *testing.T) {
	s := newTestStore(t)
	content := []byte("await me")
	h := blobhash.Sum(content)

	handle, err := s.GetBlob(h, nil)
	require.NoError(t, err)
	require.False(t, handle.Verified())

	var wg sync.WaitGroup
	wg.Add(1)
	var waitErr error
	go func() {
		defer wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		waitErr = handle.Wait(ctx)
	}()

	time.Sleep(10 * time.Millisecond)
	writeBlob(t, s, content)
	wg.Wait()
	require.NoError(t, waitErr)
}

func TestBlobsToAnnounce(t *testing.T) {
	s := newTestStore(t)
	h := writeBlob(t, s, []byte("announce me"))

	due, err := s.BlobsToAnnounce(time.Now(), 6*time.Hour)
	require.NoError(t, err)
	require.True(t, due.Contains(h))

	require.NoError(t, s.Announced(h, time.Now()))
	due, err = s.BlobsToAnnounce(time.Now(), 6*time.Hour)
	require.NoError(t, err)
	require.False(t, due.Contains(h))

	due, err = s.BlobsToAnnounce(time.Now().Add(7*time.Hour), 6*time.Hour)
	require.NoError(t, err)
	require.True(t, due.Contains(h))
}
