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

	"github.com/lbryio/blobex/internal/blobhash"
	"github.com/lbryio/blobex/internal/peer"
)

// FindValueResult is what a FIND_VALUE RPC returns: either the target is
// stored at the queried node, in which case Values is populated, or it
// isn't, in which case CloserNodes carries the queried node's k closest
// known contacts to the target (§4.3/§6).
type FindValueResult struct {
	Values      []peer.Peer
	CloserNodes []Contact
}

// RPCTransport is the boundary to the deployed Kademlia wire protocol
// (PING/STORE/FIND_NODE/FIND_VALUE, §6). Its concrete byte encoding is out
// of scope for this core; any implementation conforming to the deployed
// wire format satisfies this interface.
type RPCTransport interface {
	FindValue(ctx context.Context, to Contact, target blobhash.Hash) (FindValueResult, error)
	FindNode(ctx context.Context, to Contact, target peer.NodeID) ([]Contact, error)
	// Store issues a STORE RPC. token must be one previously obtained from
	// a FindValue/FindNode response to `to` (SPEC_FULL.md §3's token-bucket
	// STORE validation supplement).
	Store(ctx context.Context, to Contact, target blobhash.Hash, self peer.Peer, token []byte) error
}
