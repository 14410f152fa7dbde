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

// Package dht implements C3: iterative Kademlia find-value for blob
// hashes, coalescing concurrent searches into a shared peer queue. The
// concrete RPC wire encoding is out of scope (§6 treats it as inherited
// from the deployed network); this package defines the RPCTransport
// boundary the rest of the lookup logic is built against.
package dht

import (
	"github.com/lbryio/blobex/internal/blobhash"
	"github.com/lbryio/blobex/internal/peer"
)

// K is the Kademlia bucket size (§6).
const K = 8

// Alpha is the lookup parallelism (§6).
const Alpha = 3

// BottomOutLimit is how many consecutive rounds without a closer node end
// a search (§4.3).
const BottomOutLimit = 2

// Contact is a DHT-addressable node: an id plus how to reach it.
type Contact struct {
	ID      peer.NodeID
	Address string
	UDPPort int
}

// distance returns the XOR distance between two node ids as a big-endian
// byte string; lexicographic comparison of two distances is equivalent to
// comparing them as unsigned integers.
func distance(a, b peer.NodeID) [peer.NodeIDSize]byte {
	var d [peer.NodeIDSize]byte
	for i := range a {
		d[i] = a[i] ^ b[i]
	}
	return d
}

func less(d1, d2 [peer.NodeIDSize]byte) bool {
	for i := range d1 {
		if d1[i] != d2[i] {
			return d1[i] < d2[i]
		}
	}
	return false
}

func idFromHash(h blobhash.Hash) peer.NodeID {
	var id peer.NodeID
	copy(id[:], h[:])
	return id
}
