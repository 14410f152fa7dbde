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

// Package config holds the single explicit Config value threaded through
// every component at startup, generalized from the teacher's
// cmd/gprobe/config.go gprobeConfig pattern.
package config

import "time"

// StoreConfig configures the blob store (C1).
type StoreConfig struct {
	BlobDir     string `toml:"blob_dir"`
	MetadataDir string `toml:"metadata_dir"`
}

// DownloaderConfig configures the peer racing downloader (C5).
type DownloaderConfig struct {
	MaxConnectionsPerDownload int           `toml:"max_connections_per_download"`
	PeerConnectTimeout        time.Duration `toml:"peer_connect_timeout"`
	BlobDownloadTimeout       time.Duration `toml:"blob_download_timeout"`
	BanTime                   time.Duration `toml:"ban_time"`
	UnbanStallGate            time.Duration `toml:"unban_stall_gate"`
	PaymentRate               float64       `toml:"payment_rate"`
	RequestsPerSecond         float64       `toml:"requests_per_second"`
}

// StreamConfig configures the stream assembler (C6).
type StreamConfig struct {
	SDDownloadTimeout time.Duration `toml:"sd_download_timeout"`
	DownloadDir       string        `toml:"download_dir"`
}

// DHTConfig configures the DHT peer finder (C3).
type DHTConfig struct {
	K                   int           `toml:"k"`
	Alpha               int           `toml:"alpha"`
	PeerSearchTimeout   time.Duration `toml:"peer_search_timeout"`
	NodeRPCTimeout      time.Duration `toml:"node_rpc_timeout"`
	RefreshInterval     time.Duration `toml:"refresh_interval"`
	ReplicationInterval time.Duration `toml:"replication_interval"`
	BindAddress         string        `toml:"bind_address"`
	BindPort            int           `toml:"bind_port"`
	NodeIDHex           string        `toml:"node_id"`
}

// AnnouncerConfig configures the announcer (C7).
type AnnouncerConfig struct {
	AnnounceInterval     time.Duration `toml:"announce_interval"`
	SweepInterval        time.Duration `toml:"sweep_interval"`
	ConcurrentAnnouncers int           `toml:"concurrent_announcers"`
	BatchSize            int           `toml:"batch_size"`
}

// Config is the single explicit configuration value for the whole process.
// No component reaches for a package-level singleton; every constructor in
// this module takes the relevant sub-config (or the whole Config) as an
// argument.
type Config struct {
	Store      StoreConfig      `toml:"store"`
	Downloader DownloaderConfig `toml:"downloader"`
	Stream     StreamConfig     `toml:"stream"`
	DHT        DHTConfig        `toml:"dht"`
	Announcer  AnnouncerConfig  `toml:"announcer"`
}

// Default returns the spec's documented defaults (§5, §4.5, §4.7).
func Default() Config {
	return Config{
		Store: StoreConfig{
			BlobDir:     "blobfiles",
			MetadataDir: "blobfiles/db",
		},
		Downloader: DownloaderConfig{
			MaxConnectionsPerDownload: 5,
			PeerConnectTimeout:        3 * time.Second,
			BlobDownloadTimeout:       20 * time.Second,
			BanTime:                   10 * time.Second,
			UnbanStallGate:            60 * time.Second,
			PaymentRate:               0.0001,
			RequestsPerSecond:         10,
		},
		Stream: StreamConfig{
			SDDownloadTimeout: 3 * time.Second,
			DownloadDir:       "downloads",
		},
		DHT: DHTConfig{
			K:                   8,
			Alpha:               3,
			PeerSearchTimeout:   60 * time.Second,
			NodeRPCTimeout:      5 * time.Second,
			RefreshInterval:     time.Hour,
			ReplicationInterval: time.Hour,
			BindAddress:         "0.0.0.0",
			BindPort:            4444,
		},
		Announcer: AnnouncerConfig{
			AnnounceInterval:     6 * time.Hour,
			SweepInterval:        30 * time.Second,
			ConcurrentAnnouncers: 10,
			BatchSize:            500,
		},
	}
}
