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

package dht

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/lbryio/blobex/internal/blobhash"
	"github.com/lbryio/blobex/internal/peer"
	"github.com/lbryio/blobex/internal/xlog"
)

// Finder is the subset of Node the Accumulator depends on, so tests can
// supply a fake without standing up a whole Node.
type Finder interface {
	IterativeFindValue(ctx context.Context, target blobhash.Hash) ([]peer.Peer, error)
}

// Accumulator implements C3's accumulate_peers: it reads blob hashes off a
// search queue and, for each, runs an iterative find-value, publishing
// resulting peer batches to a shared peer queue. Concurrent searches for
// the same hash are coalesced (§4.3).
type Accumulator struct {
	node          Finder
	log           xlog.Logger
	searchTimeout time.Duration

	mu       sync.Mutex
	inflight map[blobhash.Hash]bool
	seen     *lru.Cache // bounded record of claimed hashes; claim writes it, nothing reads it back
}

// NewAccumulator constructs an Accumulator. searchTimeout is
// peer_search_timeout (§5, default 60s).
func NewAccumulator(node Finder, searchTimeout time.Duration, log xlog.Logger) *Accumulator {
	if log == nil {
		log = xlog.New("component", "dht-accumulator")
	}
	seen, _ := lru.New(4096)
	return &Accumulator{
		node:          node,
		log:           log,
		searchTimeout: searchTimeout,
		inflight:      make(map[blobhash.Hash]bool),
		seen:          seen,
	}
}

// Start launches the background task. It returns the peer queue it
// populates and a cancel function; cancelling it ends all in-flight
// searches and closes the peer queue (§4.3's cancellation contract).
func (a *Accumulator) Start(ctx context.Context, searchQueue <-chan blobhash.Hash) (<-chan []peer.Peer, context.CancelFunc) {
	peerQueue := make(chan []peer.Peer, 32)
	ctx, cancel := context.WithCancel(ctx)

	var wg sync.WaitGroup
	go func() {
		defer close(peerQueue)
		for {
			select {
			case <-ctx.Done():
				wg.Wait()
				return
			case h, ok := <-searchQueue:
				if !ok {
					wg.Wait()
					return
				}
				if a.claim(h) {
					wg.Add(1)
					go a.runSearch(ctx, h, peerQueue, &wg)
				}
			}
		}
	}()
	return peerQueue, cancel
}

func (a *Accumulator) claim(h blobhash.Hash) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.inflight[h] {
		return false
	}
	a.inflight[h] = true
	a.seen.Add(h, struct{}{})
	return true
}

func (a *Accumulator) release(h blobhash.Hash) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.inflight, h)
}

func (a *Accumulator) runSearch(ctx context.Context, h blobhash.Hash, peerQueue chan<- []peer.Peer, wg *sync.WaitGroup) {
	defer wg.Done()
	defer a.release(h)

	searchCtx, cancel := context.WithTimeout(ctx, a.searchTimeout)
	defer cancel()

	peers, err := a.node.IterativeFindValue(searchCtx, h)
	if err != nil {
		// Only a hard cancellation propagates here; a timed-out search
		// ends cleanly with whatever peers were found (§4.3).
		a.log.Debug("peer search ended by cancellation", "hash", h, "err", err)
	}
	if len(peers) == 0 {
		return
	}
	select {
	case peerQueue <- peers:
	case <-ctx.Done():
	}
}
