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

// Package stream implements C6: end-to-end materialization of a stream from
// an sd_hash to a decrypted file on disk, orchestrating C1/C2/C3/C5 the way
// the teacher's probe/backend.go drives a "load descriptor, then dependent
// fetches in order" sequence.
package stream

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/lbryio/blobex/internal/blobhash"
	"github.com/lbryio/blobex/internal/blobstore"
	"github.com/lbryio/blobex/internal/peer"
	"github.com/lbryio/blobex/internal/sdesc"
	"github.com/lbryio/blobex/internal/xlog"
)

var (
	// ErrDownloadSDTimeout is returned when the descriptor blob does not
	// arrive within sd_timeout (§4.6).
	ErrDownloadSDTimeout = errors.New("stream: timed out downloading stream descriptor")
	// ErrInvalidDescriptor wraps sdesc.ErrInvalidDescriptor at this layer.
	ErrInvalidDescriptor = errors.New("stream: invalid stream descriptor")
	// ErrInsufficientSpace is returned when the filesystem rejects a write
	// for lack of space (§7's resource-error taxonomy).
	ErrInsufficientSpace = errors.New("stream: insufficient disk space")
)

// Accumulator is the subset of dht.Accumulator an Assembler depends on.
type Accumulator interface {
	Start(ctx context.Context, searchQueue <-chan blobhash.Hash) (<-chan []peer.Peer, context.CancelFunc)
}

// Downloader is the subset of downloader.Downloader an Assembler depends
// on. Both dependencies are interfaces so tests can substitute fakes
// without standing up real DHT/network machinery.
type Downloader interface {
	DownloadBlob(ctx context.Context, hash blobhash.Hash, expectedLength *uint64, peerQueue <-chan []peer.Peer) (blobstore.BlobHandle, error)
}

// Assembler drives one or more stream downloads against a shared Store.
type Assembler struct {
	store       *blobstore.Store
	accumulator Accumulator
	downloader  Downloader
	sdTimeout   time.Duration
	log         xlog.Logger
}

// New constructs an Assembler. log may be nil.
func New(store *blobstore.Store, accumulator Accumulator, dl Downloader, sdTimeout time.Duration, log xlog.Logger) *Assembler {
	if log == nil {
		log = xlog.New("component", "stream-assembler")
	}
	return &Assembler{store: store, accumulator: accumulator, downloader: dl, sdTimeout: sdTimeout, log: log}
}

// DownloadStream implements §4.6's download_stream operation. fileName, if
// empty, falls back to the descriptor's hex-decoded suggested_file_name; collisions in
// downloadDir are resolved by suffixing -1, -2, ….
func (a *Assembler) DownloadStream(ctx context.Context, sdHash blobhash.Hash, downloadDir, fileName string) (string, error) {
	sessionID := uuid.NewString()
	log := a.log.New("session", sessionID, "sd_hash", sdHash.Hex())

	searchQueue := make(chan blobhash.Hash, 8)
	peerQueue, cancelAccumulator := a.accumulator.Start(ctx, searchQueue)
	defer cancelAccumulator()

	select {
	case searchQueue <- sdHash:
	case <-ctx.Done():
		return "", ctx.Err()
	}

	sdCtx, cancelSD := context.WithTimeout(ctx, a.sdTimeout)
	_, err := a.downloader.DownloadBlob(sdCtx, sdHash, nil, peerQueue)
	timedOut := sdCtx.Err() == context.DeadlineExceeded
	cancelSD()
	if err != nil {
		if timedOut {
			return "", ErrDownloadSDTimeout
		}
		return "", err
	}

	if err := a.store.MarkShouldAnnounce(sdHash, true); err != nil {
		log.Warn("failed to mark sd blob for announce", "err", err)
	}

	sdReader, err := a.store.OpenForReading(sdHash)
	if err != nil {
		return "", err
	}
	sdBytes := append([]byte(nil), sdReader.Bytes()...)
	sdReader.Close()

	descriptor, err := sdesc.Parse(sdBytes)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidDescriptor, err)
	}

	key, err := hex.DecodeString(descriptor.Key)
	if err != nil || len(key) != 16 {
		return "", fmt.Errorf("%w: malformed key", ErrInvalidDescriptor)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidDescriptor, err)
	}

	outName := fileName
	if outName == "" {
		suggested, err := hex.DecodeString(descriptor.SuggestedFileName)
		if err != nil {
			return "", fmt.Errorf("%w: malformed suggested_file_name", ErrInvalidDescriptor)
		}
		outName = string(suggested)
	}
	outPath := resolveCollision(downloadDir, outName)

	if err := os.MkdirAll(downloadDir, 0o755); err != nil {
		return "", err
	}
	f, err := os.Create(outPath)
	if err != nil {
		return "", err
	}
	succeeded := false
	defer func() {
		f.Close()
		if !succeeded {
			os.Remove(outPath)
		}
	}()

	dataBlobs := descriptor.Blobs[:len(descriptor.Blobs)-1] // exclude terminator
	for i, entry := range dataBlobs {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		blobHash, err := blobhash.FromHex(entry.BlobHash)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidDescriptor, err)
		}

		select {
		case searchQueue <- blobHash:
		case <-ctx.Done():
			return "", ctx.Err()
		}

		expected := uint64(entry.Length)
		if _, err := a.downloader.DownloadBlob(ctx, blobHash, &expected, peerQueue); err != nil {
			return "", err
		}
		if i == 0 {
			// should_announce auto-set for the head blob (SPEC_FULL.md §3).
			if err := a.store.MarkShouldAnnounce(blobHash, true); err != nil {
				log.Warn("failed to mark head blob for announce", "err", err)
			}
		}

		reader, err := a.store.OpenForReading(blobHash)
		if err != nil {
			return "", err
		}
		isLast := i == len(dataBlobs)-1
		plaintext, err := decryptBlob(block, entry.IV, reader.Bytes(), isLast)
		reader.Close()
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidDescriptor, err)
		}
		if _, err := f.Write(plaintext); err != nil {
			if errors.Is(err, syscall.ENOSPC) {
				return "", ErrInsufficientSpace
			}
			return "", err
		}
	}

	succeeded = true
	log.Debug("stream download complete", "path", outPath)
	return outPath, nil
}

func decryptBlob(block cipher.Block, ivHex string, ciphertext []byte, stripPadding bool) ([]byte, error) {
	iv, err := hex.DecodeString(ivHex)
	if err != nil || len(iv) != block.BlockSize() {
		return nil, fmt.Errorf("malformed iv")
	}
	if len(ciphertext) == 0 {
		return nil, nil
	}
	if len(ciphertext)%block.BlockSize() != 0 {
		return nil, fmt.Errorf("ciphertext is not a multiple of the block size")
	}
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)
	if !stripPadding {
		return plaintext, nil
	}
	return pkcs7Unpad(plaintext, block.BlockSize())
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 {
		return data, nil
	}
	pad := int(data[len(data)-1])
	if pad == 0 || pad > blockSize || pad > len(data) {
		return nil, fmt.Errorf("invalid PKCS#7 padding")
	}
	for _, b := range data[len(data)-pad:] {
		if int(b) != pad {
			return nil, fmt.Errorf("invalid PKCS#7 padding")
		}
	}
	return data[:len(data)-pad], nil
}

func resolveCollision(dir, name string) string {
	candidate := filepath.Join(dir, name)
	ext := filepath.Ext(name)
	base := name[:len(name)-len(ext)]
	for i := 1; ; i++ {
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
		candidate = filepath.Join(dir, fmt.Sprintf("%s-%d%s", base, i, ext))
	}
}
