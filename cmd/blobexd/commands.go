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
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"gopkg.in/urfave/cli.v1"

	"github.com/lbryio/blobex/internal/blobhash"
)

var (
	outFlag  = cli.StringFlag{Name: "out", Usage: "output directory for stream downloads", Value: "downloads"}
	nameFlag = cli.StringFlag{Name: "name", Usage: "override the suggested output file name"}
)

// getCommand implements §6's download_stream(sd_hash, save_path?) -> file_path.
var getCommand = cli.Command{
	Name:      "get",
	Usage:     "Download and assemble a stream by its sd_hash",
	ArgsUsage: "<sd_hash>",
	Category:  "BLOB EXCHANGE COMMANDS",
	Flags:     []cli.Flag{configFileFlag, outFlag, nameFlag},
	Action: func(ctx *cli.Context) error {
		if ctx.NArg() != 1 {
			return cli.NewExitError("usage: blobexd get <sd_hash>", 1)
		}
		sdHash, err := blobhash.FromHex(ctx.Args().Get(0))
		if err != nil {
			return cli.NewExitError(fmt.Sprintf("invalid sd_hash: %v", err), 1)
		}
		return withCore(ctx, func(c *core, ctx *cli.Context) error {
			assembler := c.newAssembler()
			path, err := assembler.DownloadStream(context.Background(), sdHash, ctx.String(outFlag.Name), ctx.String(nameFlag.Name))
			if err != nil {
				return err
			}
			fmt.Println(path)
			return nil
		})
	},
}

// blobCommand groups §6's download_blob, blob_store.{list,delete} and
// announce_now under one `blobexd blob <sub>` namespace.
var blobCommand = cli.Command{
	Name:     "blob",
	Usage:    "Inspect and manage locally-held blobs",
	Category: "STORAGE COMMANDS",
	Subcommands: []cli.Command{
		blobGetCommand,
		blobListCommand,
		blobDeleteCommand,
		blobAnnounceCommand,
	},
}

// blobGetCommand implements §6's download_blob(blob_hash) -> bytes
// diagnostic: fetch one blob (not a whole stream) and print its verified
// bytes to stdout.
var blobGetCommand = cli.Command{
	Name:      "get",
	Usage:     "Fetch a single blob by hash and print its bytes (diagnostic)",
	ArgsUsage: "<blob_hash>",
	Flags:     []cli.Flag{configFileFlag},
	Action: func(ctx *cli.Context) error {
		if ctx.NArg() != 1 {
			return cli.NewExitError("usage: blobexd blob get <blob_hash>", 1)
		}
		hash, err := blobhash.FromHex(ctx.Args().Get(0))
		if err != nil {
			return cli.NewExitError(fmt.Sprintf("invalid blob hash: %v", err), 1)
		}
		return withCore(ctx, func(c *core, ctx *cli.Context) error {
			bgCtx, cancel := context.WithCancel(context.Background())
			defer cancel()

			searchQueue := make(chan blobhash.Hash, 1)
			peerQueue, cancelAccum := c.accum.Start(bgCtx, searchQueue)
			defer cancelAccum()
			searchQueue <- hash

			handle, err := c.newDownloader().DownloadBlob(bgCtx, hash, nil, peerQueue)
			if err != nil {
				return err
			}
			reader, err := c.store.OpenForReading(handle.Hash)
			if err != nil {
				return err
			}
			defer reader.Close()
			_, err = os.Stdout.Write(reader.Bytes())
			return err
		})
	},
}

// blobListCommand implements §6's blob_store.list().
var blobListCommand = cli.Command{
	Name:  "list",
	Usage: "List locally finished blobs",
	Flags: []cli.Flag{configFileFlag},
	Action: func(ctx *cli.Context) error {
		return withCore(ctx, func(c *core, ctx *cli.Context) error {
			it := c.store.CompletedHashes()
			defer it.Close()
			table := tablewriter.NewWriter(os.Stdout)
			table.SetHeader([]string{"blob hash"})
			for it.Next() {
				table.Append([]string{it.Hash().Hex()})
			}
			table.Render()
			return nil
		})
	},
}

// blobDeleteCommand implements §6's blob_store.delete(hashes).
var blobDeleteCommand = cli.Command{
	Name:      "delete",
	Usage:     "Delete one or more blobs by hash",
	ArgsUsage: "<blob_hash> [blob_hash...]",
	Flags:     []cli.Flag{configFileFlag},
	Action: func(ctx *cli.Context) error {
		hashes, err := hashArgs(ctx)
		if err != nil {
			return err
		}
		return withCore(ctx, func(c *core, ctx *cli.Context) error {
			return c.store.Delete(hashes)
		})
	},
}

// blobAnnounceCommand implements §6's announce_now(hashes).
var blobAnnounceCommand = cli.Command{
	Name:      "announce",
	Usage:     "Announce one or more locally-held blobs to the DHT immediately",
	ArgsUsage: "<blob_hash> [blob_hash...]",
	Flags:     []cli.Flag{configFileFlag},
	Action: func(ctx *cli.Context) error {
		hashes, err := hashArgs(ctx)
		if err != nil {
			return err
		}
		return withCore(ctx, func(c *core, ctx *cli.Context) error {
			return c.announcer.AnnounceNow(context.Background(), hashes)
		})
	},
}

// peerCommand groups §6's peer_list diagnostic under `blobexd peer <sub>`.
var peerCommand = cli.Command{
	Name:     "peer",
	Usage:    "Inspect DHT peers",
	Category: "DHT COMMANDS",
	Subcommands: []cli.Command{
		peerListCommand,
	},
}

// peerListCommand implements §6's peer_list(blob_hash) -> [peer]
// diagnostic: drain exactly one search for the given hash and print what
// came back.
var peerListCommand = cli.Command{
	Name:      "list",
	Usage:     "Run one DHT search for a blob hash and list the peers found",
	ArgsUsage: "<blob_hash>",
	Flags:     []cli.Flag{configFileFlag},
	Action: func(ctx *cli.Context) error {
		if ctx.NArg() != 1 {
			return cli.NewExitError("usage: blobexd peer list <blob_hash>", 1)
		}
		hash, err := blobhash.FromHex(ctx.Args().Get(0))
		if err != nil {
			return cli.NewExitError(fmt.Sprintf("invalid blob hash: %v", err), 1)
		}
		return withCore(ctx, func(c *core, ctx *cli.Context) error {
			bgCtx, cancel := context.WithCancel(context.Background())
			defer cancel()

			searchQueue := make(chan blobhash.Hash, 1)
			peerQueue, cancelAccum := c.accum.Start(bgCtx, searchQueue)
			searchQueue <- hash
			// No further hashes: once this search ends the accumulator
			// closes peerQueue, even when it found no peers.
			close(searchQueue)

			table := tablewriter.NewWriter(os.Stdout)
			table.SetHeader([]string{"address", "tcp port"})
			select {
			case batch, ok := <-peerQueue:
				if ok {
					for _, p := range batch {
						table.Append([]string{p.Address, strconv.Itoa(p.TCPPort)})
					}
				}
			case <-bgCtx.Done():
			}
			cancelAccum()
			table.Render()
			return nil
		})
	},
}

// serveCommand runs blobexd as a long-lived node: answers incoming blob
// requests, answers DHT RPCs, and runs the periodic announce sweep (C7),
// until interrupted.
var serveCommand = cli.Command{
	Name:     "serve",
	Usage:    "Run as a long-lived node: serve blobs, answer DHT RPCs, announce periodically",
	Category: "BLOB EXCHANGE COMMANDS",
	Flags:    []cli.Flag{configFileFlag},
	Action: func(ctx *cli.Context) error {
		return withCore(ctx, func(c *core, ctx *cli.Context) error {
			runCtx, cancel := context.WithCancel(context.Background())
			defer cancel()

			ln, err := net.Listen("tcp", net.JoinHostPort(c.cfg.DHT.BindAddress, strconv.Itoa(c.cfg.DHT.BindPort)))
			if err != nil {
				return err
			}
			defer ln.Close()
			go serveBlobs(runCtx, ln, c)
			go c.announcer.Run(runCtx)

			color.Green("blobexd serving on %s (tcp+udp)", ln.Addr())

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh
			return nil
		})
	},
}

func serveBlobs(ctx context.Context, ln net.Listener, c *core) {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go func() {
			defer conn.Close()
			if err := c.server.ServeConn(conn); err != nil {
				c.server.Log.Debug("blob request failed", "remote", conn.RemoteAddr(), "err", err)
			}
		}()
	}
}

func hashArgs(ctx *cli.Context) ([]blobhash.Hash, error) {
	if ctx.NArg() == 0 {
		return nil, cli.NewExitError("at least one blob hash is required", 1)
	}
	hashes := make([]blobhash.Hash, 0, ctx.NArg())
	for _, a := range ctx.Args() {
		h, err := blobhash.FromHex(a)
		if err != nil {
			return nil, cli.NewExitError(fmt.Sprintf("invalid blob hash %q: %v", a, err), 1)
		}
		hashes = append(hashes, h)
	}
	return hashes, nil
}
