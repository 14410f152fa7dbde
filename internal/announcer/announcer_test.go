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

package announcer

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lbryio/blobex/internal/blobhash"
	"github.com/lbryio/blobex/internal/blobstore"
	"github.com/lbryio/blobex/internal/peer"
)

func newTestStore(t *testing.T) *blobstore.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := blobstore.Open(filepath.Join(dir, "blobs"), filepath.Join(dir, "db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func writeFinishedBlob(t *testing.T, s *blobstore.Store, content []byte) blobhash.Hash {
	t.Helper()
	h := blobhash.Sum(content)
	w, err := s.OpenForWriting(h, nil)
	require.NoError(t, err)
	_, err = w.Write(content)
	require.NoError(t, err)
	require.NoError(t, w.Finalize())
	return h
}

type fakeDHT struct {
	mu        sync.Mutex
	announced []blobhash.Hash
	fail      map[blobhash.Hash]bool
}

func (f *fakeDHT) AnnounceHaveBlob(ctx context.Context, hash blobhash.Hash, self peer.Peer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil && f.fail[hash] {
		return context.DeadlineExceeded
	}
	f.announced = append(f.announced, hash)
	return nil
}

func (f *fakeDHT) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.announced)
}

func testConfig() Config {
	return Config{
		AnnounceInterval:     time.Hour,
		SweepInterval:        time.Hour,
		ConcurrentAnnouncers: 4,
		BatchSize:            10,
	}
}

func TestSweepAnnouncesDueBlobsAndRecordsTime(t *testing.T) {
	store := newTestStore(t)
	h := writeFinishedBlob(t, store, []byte("hello"))

	dht := &fakeDHT{}
	self := peer.Peer{Address: "127.0.0.1", TCPPort: 4444}
	a := New(testConfig(), store, dht, self, nil)

	require.NoError(t, a.Sweep(context.Background()))
	require.Equal(t, 1, dht.count())

	due, err := store.BlobsToAnnounce(time.Now(), time.Hour)
	require.NoError(t, err)
	require.False(t, due.Contains(h), "just-announced blob should not be due again within the interval")
}

func TestSweepSkipsBlobsAnnouncedWithinInterval(t *testing.T) {
	store := newTestStore(t)
	writeFinishedBlob(t, store, []byte("already announced"))
	h2 := writeFinishedBlob(t, store, []byte("needs announce"))

	dht := &fakeDHT{}
	self := peer.Peer{Address: "127.0.0.1", TCPPort: 4444}
	a := New(testConfig(), store, dht, self, nil)
	require.NoError(t, a.Sweep(context.Background()))
	require.Equal(t, 2, dht.count())

	// Second sweep immediately after: nothing should be due.
	dht.announced = nil
	require.NoError(t, a.Sweep(context.Background()))
	require.Equal(t, 0, dht.count())

	_ = h2
}

func TestSweepLeavesFailedAnnouncesForRetry(t *testing.T) {
	store := newTestStore(t)
	h := writeFinishedBlob(t, store, []byte("flaky"))

	dht := &fakeDHT{fail: map[blobhash.Hash]bool{h: true}}
	self := peer.Peer{Address: "127.0.0.1", TCPPort: 4444}
	a := New(testConfig(), store, dht, self, nil)

	require.NoError(t, a.Sweep(context.Background()))
	require.Equal(t, 0, dht.count())

	due, err := store.BlobsToAnnounce(time.Now(), time.Hour)
	require.NoError(t, err)
	require.True(t, due.Contains(h), "a failed announce must remain due for the next sweep")
}

func TestAnnounceNowBypassesInterval(t *testing.T) {
	store := newTestStore(t)
	h := writeFinishedBlob(t, store, []byte("on demand"))

	dht := &fakeDHT{}
	self := peer.Peer{Address: "127.0.0.1", TCPPort: 4444}
	a := New(testConfig(), store, dht, self, nil)

	// Mark it already announced so a routine Sweep would skip it...
	require.NoError(t, store.Announced(h, time.Now()))
	due, err := store.BlobsToAnnounce(time.Now(), time.Hour)
	require.NoError(t, err)
	require.False(t, due.Contains(h))

	// ...but AnnounceNow still fires regardless.
	require.NoError(t, a.AnnounceNow(context.Background(), []blobhash.Hash{h}))
	require.Equal(t, 1, dht.count())
}
