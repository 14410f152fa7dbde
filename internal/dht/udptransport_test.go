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
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lbryio/blobex/internal/blobhash"
	"github.com/lbryio/blobex/internal/peer"
)

// newLoopbackNode binds a Node to a real UDP socket on 127.0.0.1, letting
// the kernel pick a free port, and returns both the Node and its transport
// for exercising the actual wire round trip rather than an in-memory fake
// (dht_test.go already covers the lookup algorithm against memNetwork; this
// file is about the framing UDPTransport puts on the wire).
func newLoopbackNode(t *testing.T, idByte byte) (*Node, *UDPTransport) {
	t.Helper()
	var id peer.NodeID
	id[0] = idByte
	self := Contact{ID: id, Address: "127.0.0.1", UDPPort: 0}

	transport, err := NewUDPTransport(self, 0, nil)
	require.NoError(t, err)
	t.Cleanup(func() { transport.Close() })

	self.UDPPort = transport.conn.LocalAddr().(*net.UDPAddr).Port
	transport.self = self

	node := NewNode(self, transport, 2*time.Second, nil, nil)
	transport.Bind(node)
	return node, transport
}

func TestUDPTransportFindNodeRoundTrip(t *testing.T) {
	a, _ := newLoopbackNode(t, 1)
	_, btr := newLoopbackNode(t, 2)

	contacts, err := btr.FindNode(context.Background(), a.self, a.self.ID)
	require.NoError(t, err)
	require.NotNil(t, contacts)
}

func TestUDPTransportStoreRejectedWithoutIssuedToken(t *testing.T) {
	a, _ := newLoopbackNode(t, 3)
	_, btr := newLoopbackNode(t, 4)

	hash := blobhash.Sum([]byte("udp transport store without token"))
	self := peer.Peer{Address: "127.0.0.1", TCPPort: 4444}

	err := btr.Store(context.Background(), a.self, hash, self, []byte("bogus-token"))
	require.Error(t, err)
	require.Empty(t, a.StoredValues(hash))
}

func TestUDPTransportFindValueThenStoreSucceedsWithIssuedToken(t *testing.T) {
	a, _ := newLoopbackNode(t, 5)
	b, btr := newLoopbackNode(t, 6)

	hash := blobhash.Sum([]byte("udp transport find-value-then-store"))
	self := peer.Peer{Address: "127.0.0.1", TCPPort: 5555, NodeID: b.self.ID}

	_, err := btr.FindValue(context.Background(), a.self, hash)
	require.NoError(t, err)

	token, err := b.tokenFor(context.Background(), a.self)
	require.NoError(t, err)

	err = btr.Store(context.Background(), a.self, hash, self, token)
	require.NoError(t, err)
	require.Contains(t, a.StoredValues(hash), self)
}
