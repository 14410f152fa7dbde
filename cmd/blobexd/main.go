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

// Command blobexd is the thin CLI dispatcher over the blob exchange core
// (§1 scopes the JSON-RPC/CLI surface as an external collaborator; this is
// that surface's command-line half, grounded on cmd/gprobe's urfave/cli.v1
// command-table shape).
package main

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/urfave/cli.v1"

	"github.com/lbryio/blobex/internal/xlog"
)

var app = cli.NewApp()

func init() {
	app.Name = "blobexd"
	app.Usage = "LBRY-style blob exchange core: fetch streams, manage blobs, announce to the DHT"
	app.Version = "0.1.0"
	app.Flags = []cli.Flag{configFileFlag}
	app.Commands = []cli.Command{
		getCommand,
		blobCommand,
		peerCommand,
		serveCommand,
		dumpConfigCommand,
	}
	sort.Sort(cli.CommandsByName(app.Commands))
	app.Before = func(ctx *cli.Context) error {
		xlog.SetLevel(xlog.LvlInfo)
		return nil
	}
}

func main() {
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
