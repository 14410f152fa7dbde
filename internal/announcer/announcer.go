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

// Package announcer implements C7: a periodic sweep that republishes
// locally-stored blob hashes to the DHT. The ticker-driven background loop
// shape is grounded on miner/worker.go's own recommit-ticker loop, here
// generalized from "schedule the next block seal" to "schedule the next
// announce sweep".
package announcer

import (
	"context"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set"
	"golang.org/x/sync/semaphore"

	"github.com/lbryio/blobex/internal/blobhash"
	"github.com/lbryio/blobex/internal/peer"
	"github.com/lbryio/blobex/internal/xlog"
)

// Store is the subset of blobstore.Store an Announcer depends on.
type Store interface {
	BlobsToAnnounce(now time.Time, interval time.Duration) (mapset.Set, error)
	Announced(h blobhash.Hash, ts time.Time) error
}

// DHT is the subset of dht.Node an Announcer depends on.
type DHT interface {
	AnnounceHaveBlob(ctx context.Context, hash blobhash.Hash, self peer.Peer) error
}

// Config mirrors config.AnnouncerConfig; kept as its own type for the same
// reason internal/downloader.Config is: avoid an import-cycle risk on the
// composition root.
type Config struct {
	AnnounceInterval     time.Duration
	SweepInterval        time.Duration
	ConcurrentAnnouncers int
	BatchSize            int
}

// Announcer runs the periodic §4.7 sweep in the background.
type Announcer struct {
	cfg   Config
	store Store
	dht   DHT
	self  peer.Peer
	log   xlog.Logger

	mu        sync.Mutex
	lastSweep time.Time
}

// New constructs an Announcer. self is the peer record stored at the DHT
// for each announced blob (§4.7's dht.announce_have_blob). log may be nil.
func New(cfg Config, store Store, dht DHT, self peer.Peer, log xlog.Logger) *Announcer {
	if log == nil {
		log = xlog.New("component", "announcer")
	}
	return &Announcer{cfg: cfg, store: store, dht: dht, self: self, log: log}
}

// Run blocks, ticking every SweepInterval until ctx is cancelled. Each tick
// runs one Sweep; a slow sweep is never overlapped with the next tick
// (Sweep itself bounds its own concurrency via ConcurrentAnnouncers, and
// Run waits for it to finish before scheduling the next wait).
func (a *Announcer) Run(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.Sweep(ctx); err != nil {
				a.log.Debug("announce sweep ended early", "err", err)
			}
		}
	}
}

// Sweep implements the §4.7 operation directly: select up to BatchSize
// blobs due for announce, fan out up to ConcurrentAnnouncers STOREs
// concurrently, and record successful announce times. A failed announce
// leaves the record untouched for retry on the next sweep.
func (a *Announcer) Sweep(ctx context.Context) error {
	now := time.Now()
	due, err := a.store.BlobsToAnnounce(now, a.cfg.AnnounceInterval)
	if err != nil {
		return err
	}
	if due.Cardinality() == 0 {
		return nil
	}

	hashes := make([]blobhash.Hash, 0, due.Cardinality())
	for v := range due.Iter() {
		hashes = append(hashes, v.(blobhash.Hash))
		if len(hashes) >= a.cfg.BatchSize {
			break
		}
	}

	sem := semaphore.NewWeighted(int64(a.cfg.ConcurrentAnnouncers))
	var wg sync.WaitGroup
	for _, h := range hashes {
		if err := sem.Acquire(ctx, 1); err != nil {
			break // context cancelled mid-sweep
		}
		wg.Add(1)
		go func(h blobhash.Hash) {
			defer wg.Done()
			defer sem.Release(1)
			a.announceOne(ctx, h, now)
		}(h)
	}
	wg.Wait()

	a.mu.Lock()
	a.lastSweep = now
	a.mu.Unlock()
	return ctx.Err()
}

func (a *Announcer) announceOne(ctx context.Context, h blobhash.Hash, now time.Time) {
	if err := a.dht.AnnounceHaveBlob(ctx, h, a.self); err != nil {
		a.log.Debug("announce failed, will retry next sweep", "hash", h.Hex(), "err", err)
		return
	}
	if err := a.store.Announced(h, now); err != nil {
		a.log.Warn("failed to record announce time", "hash", h.Hex(), "err", err)
	}
}

// LastSweep returns the time of the most recently completed sweep, for
// diagnostics.
func (a *Announcer) LastSweep() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastSweep
}

// AnnounceNow implements §6's announce_now(hashes) diagnostic entry point:
// announce a specific, caller-provided set of hashes immediately, bypassing
// the interval check.
func (a *Announcer) AnnounceNow(ctx context.Context, hashes []blobhash.Hash) error {
	sem := semaphore.NewWeighted(int64(a.cfg.ConcurrentAnnouncers))
	var wg sync.WaitGroup
	now := time.Now()
	for _, h := range hashes {
		if err := sem.Acquire(ctx, 1); err != nil {
			return err
		}
		wg.Add(1)
		go func(h blobhash.Hash) {
			defer wg.Done()
			defer sem.Release(1)
			a.announceOne(ctx, h, now)
		}(h)
	}
	wg.Wait()
	return ctx.Err()
}
