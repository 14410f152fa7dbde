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

// Package downloader implements C5: the peer racing downloader. One
// Downloader races at most one blob at a time, owns the peer score/ban
// bookkeeping for the whole download session (SPEC_FULL.md's connection
// manager supplement), and never shares that state with another instance
// (§5's shared-resource policy).
package downloader

import (
	"context"
	"errors"
	"net"
	"sort"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/lbryio/blobex/internal/blobhash"
	"github.com/lbryio/blobex/internal/blobproto"
	"github.com/lbryio/blobex/internal/blobstore"
	"github.com/lbryio/blobex/internal/peer"
	"github.com/lbryio/blobex/internal/xlog"
)

// ErrCancelled is returned when a download is aborted by context
// cancellation rather than by running out of peers (which never happens
// per §4.5's no-retry-limit failure semantics).
var ErrCancelled = errors.New("downloader: cancelled")

// Client is the subset of blobproto.Client a Downloader depends on, so
// tests can supply a fake peer without a real TCP listener.
type Client interface {
	RequestBlob(ctx context.Context, store *blobstore.Store, hash blobhash.Hash, address string, port int,
		connectTimeout, downloadTimeout time.Duration, existingTransport net.Conn) (int64, net.Conn, error)
}

// Config mirrors config.DownloaderConfig; kept as its own type so this
// package does not import internal/config (avoiding an import cycle risk
// now that config.go is the composition root).
type Config struct {
	MaxConnectionsPerDownload int
	PeerConnectTimeout        time.Duration
	BlobDownloadTimeout       time.Duration
	BanTime                   time.Duration
	UnbanStallGate            time.Duration
}

// Downloader races peers for blobs against a single Store. Peer score and
// ban state persists across DownloadBlob calls on the same instance — the
// natural lifetime is one per stream download (internal/stream constructs
// one and reuses it across every blob in the descriptor).
type Downloader struct {
	cfg    Config
	store  *blobstore.Store
	client Client
	log    xlog.Logger

	mu               sync.Mutex
	scores           map[string]float64
	ignored          map[string]time.Time
	conns            map[string]net.Conn
	knownPeers       map[string]peer.Peer
	lastBlobAt       time.Time
	bytesThisSession int64
	activeCount      int
}

// New constructs a Downloader. log may be nil.
func New(cfg Config, store *blobstore.Store, client Client, log xlog.Logger) *Downloader {
	if log == nil {
		log = xlog.New("component", "downloader")
	}
	return &Downloader{
		cfg:        cfg,
		store:      store,
		client:     client,
		log:        log,
		scores:     make(map[string]float64),
		ignored:    make(map[string]time.Time),
		conns:      make(map[string]net.Conn),
		knownPeers: make(map[string]peer.Peer),
		lastBlobAt: time.Now(),
	}
}

// Stats is the read-only diagnostic snapshot supplemented from
// original_source's connection manager metrics (SPEC_FULL.md §3).
type Stats struct {
	ActiveConnections int
	Scores            map[string]float64
	BytesThisSession  int64
}

func (d *Downloader) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	scores := make(map[string]float64, len(d.scores))
	for k, v := range d.scores {
		scores[k] = v
	}
	return Stats{
		ActiveConnections: d.activeCount,
		Scores:            scores,
		BytesThisSession:  d.bytesThisSession,
	}
}

type taskResult struct {
	p       peer.Peer
	n       int64
	conn    net.Conn
	err     error
	elapsed time.Duration
}

// DownloadBlob implements the algorithm of §4.5. peerQueue is owned by the
// caller (internal/stream feeds it from a DHT accumulator) and is only
// ever read from here, never closed by this call.
func (d *Downloader) DownloadBlob(ctx context.Context, hash blobhash.Hash, expectedLength *uint64, peerQueue <-chan []peer.Peer) (blobstore.BlobHandle, error) {
	sessionID := uuid.NewString()
	log := d.log.New("session", sessionID, "hash", hash.Hex())

	handle, err := d.store.GetBlob(hash, expectedLength)
	if err != nil {
		return blobstore.BlobHandle{}, err
	}
	if handle.Verified() {
		return handle, nil
	}

	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sem := semaphore.NewWeighted(int64(d.cfg.MaxConnectionsPerDownload))
	active := make(map[string]context.CancelFunc)
	var pending []peer.Peer

	taskDone := make(chan taskResult, d.cfg.MaxConnectionsPerDownload)
	verifiedCh := make(chan struct{}, 1)
	go func() {
		if err := handle.Wait(raceCtx); err == nil {
			select {
			case verifiedCh <- struct{}{}:
			default:
			}
		}
	}()

	cleanup := func() {
		for _, c := range active {
			c()
		}
		d.closeCachedConns()
	}

	spawn := func(p peer.Peer) bool {
		if !sem.TryAcquire(1) {
			return false
		}
		key := p.Key()
		d.mu.Lock()
		d.knownPeers[key] = p
		d.scores[key] -= 1 // pre-decrement at spawn, per §4.5 — preserved as specified
		existingConn := d.conns[key]
		d.activeCount++
		d.mu.Unlock()

		taskCtx, tcancel := context.WithCancel(raceCtx)
		active[key] = tcancel
		started := time.Now()
		go func() {
			defer sem.Release(1)
			n, conn, err := d.client.RequestBlob(taskCtx, d.store, hash, p.Address, p.TCPPort,
				d.cfg.PeerConnectTimeout, d.cfg.BlobDownloadTimeout, existingConn)
			taskDone <- taskResult{p: p, n: n, conn: conn, err: err, elapsed: time.Since(started)}
		}()
		return true
	}

	reap := func(res taskResult) {
		key := res.p.Key()
		if c, ok := active[key]; ok {
			c()
			delete(active, key)
		}
		d.mu.Lock()
		d.bytesThisSession += res.n
		d.activeCount--
		switch {
		case res.err == nil:
			// Either the full expected length arrived and Finalize verified
			// it, or the blob was already complete in the store and nothing
			// was transferred (n == 0, and conn is whatever transport was
			// passed in, possibly nil).
			d.lastBlobAt = time.Now()
			if res.elapsed > 0 {
				d.scores[key] = float64(res.n) / res.elapsed.Seconds()
			}
			if res.conn != nil {
				d.conns[key] = res.conn
			}
		case errors.Is(res.err, blobstore.ErrHashMismatch), errors.Is(res.err, blobproto.ErrRateTooLow), res.conn == nil:
			// Integrity error, rejected rate, or a dead transport (§7): ban
			// the peer and drop its cached transport, closing whatever
			// connection we're holding for it rather than leaking the
			// socket (§4.5 step 3, §8 scenario 5).
			d.ignored[key] = time.Now()
			cached, hadCached := d.conns[key]
			delete(d.conns, key)
			if hadCached && cached != res.conn {
				cached.Close()
			}
			if res.conn != nil {
				res.conn.Close()
			}
		default:
			// Transport alive but transfer short: keep the transport, no ban.
			d.conns[key] = res.conn
		}
		banned := false
		if _, ok := d.ignored[key]; ok {
			banned = true
		}
		d.mu.Unlock()

		if !banned {
			pending = append(pending, res.p)
		}
	}

	for {
		if err := raceCtx.Err(); err != nil {
			cleanup()
			return blobstore.BlobHandle{}, ErrCancelled
		}

		drainedAny := false
	drain:
		for {
			select {
			case batch, ok := <-peerQueue:
				if !ok {
					break drain
				}
				pending = append(pending, batch...)
				drainedAny = true
			default:
				break drain
			}
		}

		pending = dedupPending(pending)
		if len(pending) == 0 && !drainedAny {
			if unbanned := d.unbanSweep(); len(unbanned) > 0 {
				pending = append(pending, unbanned...)
			}
		}

		sort.SliceStable(pending, func(i, j int) bool {
			return d.scoreOf(pending[i]) > d.scoreOf(pending[j])
		})

		var next []peer.Peer
		for _, p := range pending {
			key := p.Key()
			if _, isActive := active[key]; isActive {
				continue // already racing, drop from pending; it'll be requeued on reap if it survives
			}
			if d.isBanned(key) {
				continue // dropped; unban sweep will bring it back
			}
			if !spawn(p) {
				next = append(next, p) // at capacity, try again next iteration
				continue
			}
		}
		pending = next

		select {
		case <-raceCtx.Done():
			cleanup()
			return blobstore.BlobHandle{}, ErrCancelled
		case <-verifiedCh:
			cleanup()
			final, err := d.store.GetBlob(hash, nil)
			if err != nil {
				return blobstore.BlobHandle{}, err
			}
			log.Debug("blob download complete")
			return final, nil
		case res := <-taskDone:
			reap(res)
			continue
		case batch, ok := <-peerQueue:
			if ok {
				pending = append(pending, batch...)
			}
			continue
		case <-time.After(time.Second):
			continue
		}
	}
}

// closeCachedConns closes and forgets every transport cached for potential
// reuse within this blob's race, per §4.5 step 3 ("close cached
// transports") on every exit path of DownloadBlob.
func (d *Downloader) closeCachedConns() {
	d.mu.Lock()
	conns := d.conns
	d.conns = make(map[string]net.Conn)
	d.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

func (d *Downloader) scoreOf(p peer.Peer) float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.scores[p.Key()]
}

func (d *Downloader) isBanned(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	bannedAt, ok := d.ignored[key]
	if !ok {
		return false
	}
	return time.Since(bannedAt) <= d.cfg.BanTime
}

// unbanSweep implements §4.5's periodic sweep: if the session has gone too
// long (UnbanStallGate) without a successful blob, it returns early WITHOUT
// unbanning anything, preserved exactly as specified even though §9 flags
// the direction as ambiguous in the source.
func (d *Downloader) unbanSweep() []peer.Peer {
	d.mu.Lock()
	defer d.mu.Unlock()
	if time.Since(d.lastBlobAt) > d.cfg.UnbanStallGate {
		return nil
	}
	var freed []peer.Peer
	for key, bannedAt := range d.ignored {
		if time.Since(bannedAt) > d.cfg.BanTime {
			delete(d.ignored, key)
			if p, ok := d.knownPeers[key]; ok {
				freed = append(freed, p)
			}
		}
	}
	return freed
}

func dedupPending(peers []peer.Peer) []peer.Peer {
	if len(peers) < 2 {
		return peers
	}
	seen := mapset.NewThreadUnsafeSet()
	out := peers[:0]
	for _, p := range peers {
		if seen.Contains(p.Key()) {
			continue
		}
		seen.Add(p.Key())
		out = append(out, p)
	}
	return out
}
