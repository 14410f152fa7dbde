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

package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"gopkg.in/urfave/cli.v1"

	"github.com/lbryio/blobex/internal/announcer"
	"github.com/lbryio/blobex/internal/blobproto"
	"github.com/lbryio/blobex/internal/blobstore"
	"github.com/lbryio/blobex/internal/config"
	"github.com/lbryio/blobex/internal/dht"
	"github.com/lbryio/blobex/internal/downloader"
	"github.com/lbryio/blobex/internal/peer"
	"github.com/lbryio/blobex/internal/stream"
)

// core is the wired-together blob exchange stack, assembled once per
// blobexd invocation the way cmd/gprobe assembles a node from its config
// before dispatching to a subcommand.
type core struct {
	cfg       config.Config
	store     *blobstore.Store
	transport *dht.UDPTransport
	node      *dht.Node
	accum     *dht.Accumulator
	client    *blobproto.Client
	server    *blobproto.Server
	announcer *announcer.Announcer
	self      peer.Peer
}

func buildCore(cfg config.Config) (*core, error) {
	store, err := blobstore.Open(cfg.Store.BlobDir, cfg.Store.MetadataDir, newLogger("blobstore"))
	if err != nil {
		return nil, fmt.Errorf("opening blob store: %w", err)
	}

	nodeID, err := resolveNodeID(cfg.DHT.NodeIDHex)
	if err != nil {
		store.Close()
		return nil, err
	}
	selfContact := dht.Contact{ID: nodeID, Address: cfg.DHT.BindAddress, UDPPort: cfg.DHT.BindPort}
	selfPeer := peer.Peer{Address: cfg.DHT.BindAddress, TCPPort: cfg.DHT.BindPort, UDPPort: cfg.DHT.BindPort, NodeID: nodeID}

	transport, err := dht.NewUDPTransport(selfContact, cfg.DHT.BindPort, newLogger("dht-udp"))
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("binding dht udp socket: %w", err)
	}
	node := dht.NewNode(selfContact, transport, cfg.DHT.NodeRPCTimeout, nil, newLogger("dht-node"))
	transport.Bind(node)

	accum := dht.NewAccumulator(node, cfg.DHT.PeerSearchTimeout, newLogger("dht-accumulator"))
	client := blobproto.NewClient(cfg.Downloader.PaymentRate, cfg.Downloader.RequestsPerSecond, newLogger("blobproto-client"))
	server := blobproto.NewServer(store, cfg.Downloader.PaymentRate, newLogger("blobproto-server"))
	ann := announcer.New(announcer.Config{
		AnnounceInterval:     cfg.Announcer.AnnounceInterval,
		SweepInterval:        cfg.Announcer.SweepInterval,
		ConcurrentAnnouncers: cfg.Announcer.ConcurrentAnnouncers,
		BatchSize:            cfg.Announcer.BatchSize,
	}, store, node, selfPeer, newLogger("announcer"))

	return &core{
		cfg: cfg, store: store, transport: transport, node: node,
		accum: accum, client: client, server: server, announcer: ann, self: selfPeer,
	}, nil
}

func (c *core) Close() {
	c.store.Close()
	c.transport.Close()
}

func (c *core) newDownloader() *downloader.Downloader {
	return downloader.New(downloader.Config{
		MaxConnectionsPerDownload: c.cfg.Downloader.MaxConnectionsPerDownload,
		PeerConnectTimeout:        c.cfg.Downloader.PeerConnectTimeout,
		BlobDownloadTimeout:       c.cfg.Downloader.BlobDownloadTimeout,
		BanTime:                   c.cfg.Downloader.BanTime,
		UnbanStallGate:            c.cfg.Downloader.UnbanStallGate,
	}, c.store, c.client, newLogger("downloader"))
}

func (c *core) newAssembler() *stream.Assembler {
	return stream.New(c.store, c.accum, c.newDownloader(), c.cfg.Stream.SDDownloadTimeout, newLogger("stream-assembler"))
}

func resolveNodeID(hexID string) (peer.NodeID, error) {
	var id peer.NodeID
	if hexID == "" {
		if _, err := rand.Read(id[:]); err != nil {
			return id, err
		}
		return id, nil
	}
	h, err := decodeNodeIDHex(hexID)
	if err != nil {
		return id, fmt.Errorf("invalid node_id: %w", err)
	}
	return h, nil
}

func decodeNodeIDHex(s string) (peer.NodeID, error) {
	var id peer.NodeID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, err
	}
	if len(b) != len(id) {
		return id, fmt.Errorf("want %d bytes, got %d", len(id), len(b))
	}
	copy(id[:], b)
	return id, nil
}

func withCore(ctx *cli.Context, fn func(*core, *cli.Context) error) error {
	cfg, err := makeConfig(ctx)
	if err != nil {
		return err
	}
	c, err := buildCore(cfg)
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(c, ctx)
}
