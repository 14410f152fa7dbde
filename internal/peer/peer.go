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

// Package peer defines peer identity. Score/ban bookkeeping (§9's
// "weak dependency on a rich object graph" re-architecture note) is owned
// by a single internal/downloader instance per download session rather
// than by a shared mutable Peer object, per §5's shared-resource policy.
package peer

import (
	"fmt"
	"net"
)

// NodeIDSize is the length in bytes of a DHT node id (384 bits, §3).
const NodeIDSize = 48

// NodeID is an opaque DHT node identifier.
type NodeID [NodeIDSize]byte

func (n NodeID) String() string { return fmt.Sprintf("%x", n[:8]) }

// Peer identifies a remote node. For blob exchange, Address+TCPPort is the
// identity (§3); NodeID and UDPPort are populated when the peer record also
// participates in the DHT.
type Peer struct {
	Address string
	TCPPort int
	UDPPort int
	NodeID  NodeID
}

// Key is the map key blob-exchange code uses to identify a peer: address
// and TCP port, per §3 ("Identity is (address, tcp_port) for blob exchange").
func (p Peer) Key() string {
	return net.JoinHostPort(p.Address, fmt.Sprintf("%d", p.TCPPort))
}

func (p Peer) String() string { return p.Key() }
