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

package downloader

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lbryio/blobex/internal/blobhash"
	"github.com/lbryio/blobex/internal/blobproto"
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

func testConfig() Config {
	return Config{
		MaxConnectionsPerDownload: 5,
		PeerConnectTimeout:        time.Second,
		BlobDownloadTimeout:       2 * time.Second,
		// Long enough that bans outlive a single fast test, so assertions
		// made right after DownloadBlob returns are never racing an
		// unban-sweep that just fired.
		BanTime:        10 * time.Second,
		UnbanStallGate: time.Hour,
	}
}

// fakeClient answers RequestBlob for a fixed set of "peer address -> content
// or behavior" rules, without any real networking.
type fakeClient struct {
	mu       sync.Mutex
	calls    map[string]int
	behavior func(address string, hash blobhash.Hash) (content []byte, fail error, refuseConn bool)
}

func (f *fakeClient) RequestBlob(ctx context.Context, store *blobstore.Store, hash blobhash.Hash, address string, port int,
	connectTimeout, downloadTimeout time.Duration, existingTransport net.Conn) (int64, net.Conn, error) {
	f.mu.Lock()
	f.calls[address]++
	f.mu.Unlock()

	content, fail, refuseConn := f.behavior(address, hash)
	if refuseConn {
		return 0, nil, errors.New("connection refused")
	}
	if fail != nil {
		return 0, fakeConn{}, fail
	}
	length := uint64(len(content))
	w, err := store.OpenForWriting(hash, &length)
	if err != nil {
		return 0, fakeConn{}, err
	}
	if _, err := w.Write(content); err != nil {
		w.Abort()
		return 0, fakeConn{}, err
	}
	if err := w.Finalize(); err != nil {
		return int64(len(content)), fakeConn{}, err
	}
	return int64(len(content)), fakeConn{}, nil
}

// fakeConn stands in for a real net.Conn in tests that never do actual I/O
// through it. Close is overridden as a no-op since the embedded net.Conn is
// always nil here and the downloader closes cached/banned transports on
// every exit path.
type fakeConn struct{ net.Conn }

func (fakeConn) Close() error { return nil }

func TestDownloadBlobAlreadyVerifiedReturnsImmediately(t *testing.T) {
	store := newTestStore(t)
	content := []byte("hello")
	h := blobhash.Sum(content)
	length := uint64(len(content))
	w, err := store.OpenForWriting(h, &length)
	require.NoError(t, err)
	_, err = w.Write(content)
	require.NoError(t, err)
	require.NoError(t, w.Finalize())

	fc := &fakeClient{calls: make(map[string]int), behavior: func(string, blobhash.Hash) ([]byte, error, bool) {
		t.Fatal("should never be called for an already-verified blob")
		return nil, nil, false
	}}
	d := New(testConfig(), store, fc, nil)
	peerQueue := make(chan []peer.Peer)
	handle, err := d.DownloadBlob(context.Background(), h, nil, peerQueue)
	require.NoError(t, err)
	require.True(t, handle.Verified())
}

func TestDownloadBlobWinnerAmongMultiplePeers(t *testing.T) {
	store := newTestStore(t)
	content := []byte("race me")
	h := blobhash.Sum(content)

	fc := &fakeClient{calls: make(map[string]int), behavior: func(addr string, hash blobhash.Hash) ([]byte, error, bool) {
		if addr == "slow-peer" {
			time.Sleep(100 * time.Millisecond)
		}
		return content, nil, false
	}}
	d := New(testConfig(), store, fc, nil)
	peerQueue := make(chan []peer.Peer, 1)
	peerQueue <- []peer.Peer{
		{Address: "slow-peer", TCPPort: 1},
		{Address: "fast-peer", TCPPort: 2},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	handle, err := d.DownloadBlob(ctx, h, nil, peerQueue)
	require.NoError(t, err)
	require.True(t, handle.Verified())

	stats := d.Stats()
	require.Contains(t, stats.Scores, peer.Peer{Address: "fast-peer", TCPPort: 2}.Key())
}

func TestDownloadBlobBansConnectionFailure(t *testing.T) {
	store := newTestStore(t)
	content := []byte("banned peer content")
	h := blobhash.Sum(content)

	fc := &fakeClient{calls: make(map[string]int), behavior: func(addr string, hash blobhash.Hash) ([]byte, error, bool) {
		if addr == "bad-peer" {
			return nil, nil, true
		}
		return content, nil, false
	}}
	d := New(testConfig(), store, fc, nil)
	peerQueue := make(chan []peer.Peer, 1)
	peerQueue <- []peer.Peer{
		{Address: "bad-peer", TCPPort: 1},
		{Address: "good-peer", TCPPort: 2},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	handle, err := d.DownloadBlob(ctx, h, nil, peerQueue)
	require.NoError(t, err)
	require.True(t, handle.Verified())

	require.True(t, d.isBanned(peer.Peer{Address: "bad-peer", TCPPort: 1}.Key()))
}

func TestDownloadBlobHashMismatchBansPeer(t *testing.T) {
	store := newTestStore(t)
	content := []byte("correct content")
	wrong := []byte("wrong content xx")
	h := blobhash.Sum(content)

	fc := &fakeClient{calls: make(map[string]int), behavior: func(addr string, hash blobhash.Hash) ([]byte, error, bool) {
		if addr == "liar-peer" {
			return wrong, nil, false
		}
		return content, nil, false
	}}
	d := New(testConfig(), store, fc, nil)
	peerQueue := make(chan []peer.Peer, 1)
	peerQueue <- []peer.Peer{{Address: "liar-peer", TCPPort: 1}}

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	_, err := d.DownloadBlob(ctx, h, nil, peerQueue)
	require.ErrorIs(t, err, ErrCancelled)
	require.True(t, d.isBanned(peer.Peer{Address: "liar-peer", TCPPort: 1}.Key()))
}

func TestDownloadBlobCancellation(t *testing.T) {
	store := newTestStore(t)
	h := blobhash.Sum([]byte("never arrives"))

	fc := &fakeClient{calls: make(map[string]int), behavior: func(addr string, hash blobhash.Hash) ([]byte, error, bool) {
		time.Sleep(time.Hour)
		return nil, nil, false
	}}
	d := New(testConfig(), store, fc, nil)
	peerQueue := make(chan []peer.Peer, 1)
	peerQueue <- []peer.Peer{{Address: "stalling-peer", TCPPort: 1}}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := d.DownloadBlob(ctx, h, nil, peerQueue)
	require.ErrorIs(t, err, ErrCancelled)
}
