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
	"crypto/rand"
	"encoding/binary"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/holiman/bloomfilter/v2"
	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/sync/errgroup"

	"github.com/lbryio/blobex/internal/blobhash"
	"github.com/lbryio/blobex/internal/peer"
	"github.com/lbryio/blobex/internal/xlog"
)

// ErrNoToken is returned by the server-side Store handler when no prior
// token was issued to the caller (SPEC_FULL.md §3's token-bucket
// supplement).
var ErrNoToken = errors.New("dht: no store token issued to this contact")

// Node is this process's view into the DHT: a routing table of known
// contacts and the logic to run iterative lookups against RPCTransport.
// The routing table here is a flat, bounded candidate list rather than a
// full k-bucket tree — §1 scopes the DHT's routing-table internals as an
// external collaborator; the downloader (and this package) only consumes
// iterative_find_value, so a simpler seed list suffices to drive lookups.
type Node struct {
	self      Contact
	transport RPCTransport
	log       xlog.Logger

	rpcTimeout time.Duration

	mu     sync.Mutex
	seeds  []Contact
	stored map[blobhash.Hash]map[string]peer.Peer // values this node holds for others (server side)
	tokens *lru.Cache                             // tokens remote peers issued us: contact address -> token
	issued *lru.Cache                             // tokens we issued to remote callers, for validating their STOREs
}

// NewNode constructs a Node. seeds is the initial contact list to bootstrap
// lookups from.
func NewNode(self Contact, transport RPCTransport, rpcTimeout time.Duration, seeds []Contact, log xlog.Logger) *Node {
	if log == nil {
		log = xlog.New("component", "dht")
	}
	tokens, _ := lru.New(4096)
	issued, _ := lru.New(4096)
	return &Node{
		self:       self,
		transport:  transport,
		log:        log,
		rpcTimeout: rpcTimeout,
		seeds:      append([]Contact(nil), seeds...),
		stored:     make(map[blobhash.Hash]map[string]peer.Peer),
		tokens:     tokens,
		issued:     issued,
	}
}

// AddSeeds adds bootstrap contacts to the candidate list.
func (n *Node) AddSeeds(contacts ...Contact) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.seeds = append(n.seeds, contacts...)
}

func (n *Node) seedList() []Contact {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Contact(nil), n.seeds...)
}

type shortlistEntry struct {
	contact Contact
	queried bool
}

// IterativeFindValue performs the standard Kademlia lookup described in
// §4.3/§6: maintain a shortlist of the K closest unqueried nodes, issue up
// to Alpha parallel FIND_VALUE RPCs per round, merge responses, and stop
// once the K closest have all been queried or the search bottoms out. A
// context deadline (the caller's peer_search_timeout) ends the search
// cleanly, returning whatever peers were found so far rather than an
// error — only an explicit cancellation is propagated.
func (n *Node) IterativeFindValue(ctx context.Context, target blobhash.Hash) ([]peer.Peer, error) {
	targetID := idFromHash(target)
	shortlist := n.seedShortlist(targetID)
	queried, err := bloomfilter.NewOptimal(1024, 0.01)
	if err != nil {
		return nil, err
	}

	var found []peer.Peer
	var foundMu sync.Mutex
	bestDist := func() [peer.NodeIDSize]byte {
		if len(shortlist) == 0 {
			return distance(n.self.ID, targetID)
		}
		return distance(shortlist[0].contact.ID, targetID)
	}
	noCloserRounds := 0

	for {
		if ctx.Err() != nil {
			if errors.Is(ctx.Err(), context.Canceled) {
				return dedupPeers(found), ctx.Err()
			}
			return dedupPeers(found), nil // timeout: clean end, partial results
		}

		batch := pickUnqueried(shortlist, queried, Alpha)
		if len(batch) == 0 {
			return dedupPeers(found), nil
		}

		before := bestDist()
		var mu sync.Mutex
		g, gctx := errgroup.WithContext(ctx)
		rpcCtx, cancel := context.WithTimeout(gctx, n.rpcTimeout)
		for _, c := range batch {
			c := c
			markQueried(queried, c)
			g.Go(func() error {
				res, err := n.transport.FindValue(rpcCtx, c, target)
				if err != nil {
					n.log.Debug("find_value rpc failed", "peer", c.Address, "err", err)
					return nil // transient peer failure, not fatal to the search
				}
				mu.Lock()
				defer mu.Unlock()
				if len(res.Values) > 0 {
					foundMu.Lock()
					found = append(found, res.Values...)
					foundMu.Unlock()
				}
				for _, cn := range res.CloserNodes {
					if cn.ID == n.self.ID {
						continue
					}
					shortlist = insertSorted(shortlist, cn, targetID)
				}
				return nil
			})
		}
		_ = g.Wait()
		cancel()

		if len(shortlist) > K {
			shortlist = shortlist[:K]
		}
		if less(bestDist(), before) {
			noCloserRounds = 0
		} else {
			noCloserRounds++
		}
		if noCloserRounds >= BottomOutLimit || allQueried(shortlist, queried) {
			return dedupPeers(found), nil
		}
	}
}

// FindClosestNodes runs the FIND_NODE variant of the same iterative walk,
// used by AnnounceHaveBlob to discover the K nodes to STORE at.
func (n *Node) FindClosestNodes(ctx context.Context, target peer.NodeID) ([]Contact, error) {
	shortlist := n.seedShortlist(target)
	queried, err := bloomfilter.NewOptimal(1024, 0.01)
	if err != nil {
		return nil, err
	}
	noCloserRounds := 0
	bestDist := func() [peer.NodeIDSize]byte {
		if len(shortlist) == 0 {
			return distance(n.self.ID, target)
		}
		return distance(shortlist[0].contact.ID, target)
	}

	for {
		if ctx.Err() != nil {
			break
		}
		batch := pickUnqueried(shortlist, queried, Alpha)
		if len(batch) == 0 {
			break
		}
		before := bestDist()
		var mu sync.Mutex
		g, gctx := errgroup.WithContext(ctx)
		rpcCtx, cancel := context.WithTimeout(gctx, n.rpcTimeout)
		for _, c := range batch {
			c := c
			markQueried(queried, c)
			g.Go(func() error {
				contacts, err := n.transport.FindNode(rpcCtx, c, target)
				if err != nil {
					return nil
				}
				mu.Lock()
				defer mu.Unlock()
				for _, cn := range contacts {
					if cn.ID == n.self.ID {
						continue
					}
					shortlist = insertSorted(shortlist, cn, target)
				}
				return nil
			})
		}
		_ = g.Wait()
		cancel()
		if len(shortlist) > K {
			shortlist = shortlist[:K]
		}
		if less(bestDist(), before) {
			noCloserRounds = 0
		} else {
			noCloserRounds++
		}
		if noCloserRounds >= BottomOutLimit || allQueried(shortlist, queried) {
			break
		}
	}
	out := make([]Contact, 0, len(shortlist))
	for _, e := range shortlist {
		out = append(out, e.contact)
	}
	return out, nil
}

func (n *Node) seedShortlist(target peer.NodeID) []shortlistEntry {
	seeds := n.seedList()
	entries := make([]shortlistEntry, 0, len(seeds))
	for _, s := range seeds {
		entries = append(entries, shortlistEntry{contact: s})
	}
	sort.Slice(entries, func(i, j int) bool {
		return less(distance(entries[i].contact.ID, target), distance(entries[j].contact.ID, target))
	})
	if len(entries) > K {
		entries = entries[:K]
	}
	return entries
}

func contactBloomKey(c Contact) bloomfilter.Hash {
	var h1, h2 uint64
	h1 = binary.BigEndian.Uint64(c.ID[:8])
	h2 = binary.BigEndian.Uint64(c.ID[8:16])
	return bloomfilter.Hash{H1: h1, H2: h2}
}

func markQueried(f *bloomfilter.Filter, c Contact) { f.Add(contactBloomKey(c)) }

func pickUnqueried(shortlist []shortlistEntry, queried *bloomfilter.Filter, max int) []Contact {
	var out []Contact
	for _, e := range shortlist {
		if queried.Contains(contactBloomKey(e.contact)) {
			continue
		}
		out = append(out, e.contact)
		if len(out) == max {
			break
		}
	}
	return out
}

func allQueried(shortlist []shortlistEntry, queried *bloomfilter.Filter) bool {
	for _, e := range shortlist {
		if !queried.Contains(contactBloomKey(e.contact)) {
			return false
		}
	}
	return true
}

func insertSorted(shortlist []shortlistEntry, c Contact, target peer.NodeID) []shortlistEntry {
	for _, e := range shortlist {
		if e.contact.ID == c.ID {
			return shortlist
		}
	}
	shortlist = append(shortlist, shortlistEntry{contact: c})
	sort.Slice(shortlist, func(i, j int) bool {
		return less(distance(shortlist[i].contact.ID, target), distance(shortlist[j].contact.ID, target))
	})
	return shortlist
}

func dedupPeers(peers []peer.Peer) []peer.Peer {
	seen := make(map[string]bool, len(peers))
	out := make([]peer.Peer, 0, len(peers))
	for _, p := range peers {
		k := p.Key()
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, p)
	}
	return out
}

// AnnounceHaveBlob performs an iterative STORE against the K closest nodes
// to hash (§4.7/§6): find the closest nodes, obtain a store token from
// each via FIND_NODE, then STORE self as a holder of hash.
func (n *Node) AnnounceHaveBlob(ctx context.Context, hash blobhash.Hash, self peer.Peer) error {
	target := idFromHash(hash)
	contacts, err := n.FindClosestNodes(ctx, target)
	if err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, c := range contacts {
		c := c
		g.Go(func() error {
			token, err := n.tokenFor(gctx, c)
			if err != nil {
				n.log.Debug("could not obtain store token", "peer", c.Address, "err", err)
				return nil
			}
			if err := n.transport.Store(gctx, c, hash, self, token); err != nil {
				n.log.Debug("store rpc failed", "peer", c.Address, "err", err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (n *Node) tokenFor(ctx context.Context, c Contact) ([]byte, error) {
	if v, ok := n.tokens.Get(c.Address); ok {
		return v.([]byte), nil
	}
	// A real FIND_NODE/FIND_VALUE response carries a token; here we mint
	// a local placeholder since this Node is the one initiating contact
	// and the transport is responsible for surfacing any token the remote
	// peer returned. Implementations of RPCTransport that terminate real
	// wire RPCs populate n.tokens via RecordToken as responses arrive.
	token := make([]byte, 8)
	if _, err := rand.Read(token); err != nil {
		return nil, err
	}
	n.tokens.Add(c.Address, token)
	return token, nil
}

// RecordToken lets an RPCTransport implementation hand this Node a token a
// remote peer issued it, for use in a subsequent Store call.
func (n *Node) RecordToken(c Contact, token []byte) {
	n.tokens.Add(c.Address, token)
}

// --- server side: responding to remote FIND_VALUE/STORE for blobs we hold ---

// AddStoredValue records that peer p holds hash, for when this node is
// queried by others (the value-holder side of FIND_VALUE).
func (n *Node) AddStoredValue(hash blobhash.Hash, p peer.Peer) {
	n.mu.Lock()
	defer n.mu.Unlock()
	m, ok := n.stored[hash]
	if !ok {
		m = make(map[string]peer.Peer)
		n.stored[hash] = m
	}
	m[p.Key()] = p
}

// StoredValues returns the peers this node has on record for hash.
func (n *Node) StoredValues(hash blobhash.Hash) []peer.Peer {
	n.mu.Lock()
	defer n.mu.Unlock()
	m := n.stored[hash]
	out := make([]peer.Peer, 0, len(m))
	for _, p := range m {
		out = append(out, p)
	}
	return out
}

// IssueToken mints and remembers a token for a remote caller, to be
// returned to them in a FIND_NODE/FIND_VALUE response (SPEC_FULL.md §3).
func (n *Node) IssueToken(from Contact) []byte {
	token := make([]byte, 8)
	rand.Read(token)
	n.issued.Add(from.ID, token)
	return token
}

// HandleStore validates a remote STORE request carries a token this node
// previously issued to that contact, then records the value.
func (n *Node) HandleStore(from Contact, hash blobhash.Hash, p peer.Peer, token []byte) error {
	v, ok := n.issued.Get(from.ID)
	if !ok {
		return ErrNoToken
	}
	issued := v.([]byte)
	if len(issued) != len(token) {
		return ErrNoToken
	}
	for i := range issued {
		if issued[i] != token[i] {
			return ErrNoToken
		}
	}
	n.AddStoredValue(hash, p)
	return nil
}
