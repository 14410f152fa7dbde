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

// Package sdesc implements C2: canonical encode/decode of the stream
// descriptor document and derivation of its stream_hash. Modeled on the
// teacher's JSON-tagged-args-with-explicit-validation pattern in
// internal/probeapi/transaction_args.go, generalized from RPC call
// arguments to a content-addressed document.
package sdesc

import (
	"bytes"
	"crypto/sha512"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidDescriptor is returned by Parse for any schema violation (§4.2).
var ErrInvalidDescriptor = errors.New("sdesc: invalid stream descriptor")

// BlobEntry describes one blob within a stream (§3). The terminator entry
// (BlobNum == len-1) has Length 0 and an empty BlobHash.
type BlobEntry struct {
	Length   int    `json:"length"`
	BlobNum  int    `json:"blob_num"`
	IV       string `json:"iv"`
	BlobHash string `json:"blob_hash,omitempty"`
}

func (b BlobEntry) isTerminator() bool {
	return b.Length == 0 && b.BlobHash == ""
}

// Descriptor is the canonical stream descriptor document (§3). Field order
// here is the canonical wire order: re-encoding a Descriptor always
// produces byte-identical JSON for byte-identical field values, since
// encoding/json emits struct fields in declaration order and this package
// never round-trips through a map.
type Descriptor struct {
	StreamName        string      `json:"stream_name"`
	SuggestedFileName string      `json:"suggested_file_name"`
	StreamHash        string      `json:"stream_hash"`
	Key               string      `json:"key"`
	Blobs             []BlobEntry `json:"blobs"`
}

func isHexOfLen(s string, byteLen int) bool {
	if len(s) != byteLen*2 {
		return false
	}
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		case c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

// Validate checks every invariant in §4.2/§3: required keys present
// (guaranteed by the Go struct, so this focuses on value invariants),
// blobs non-empty, exactly one terminator at the end, contiguous blob_num
// sequence, positive lengths and valid hashes on data blobs, and 32-hex-char
// key/IVs.
func (d *Descriptor) Validate() error {
	if len(d.Blobs) == 0 {
		return fmt.Errorf("%w: blobs must be non-empty", ErrInvalidDescriptor)
	}
	if !isHexOfLen(d.Key, 16) {
		return fmt.Errorf("%w: key must be 32 hex chars", ErrInvalidDescriptor)
	}
	for i, b := range d.Blobs {
		if b.BlobNum != i {
			return fmt.Errorf("%w: blob_num sequence broken at index %d (got %d)", ErrInvalidDescriptor, i, b.BlobNum)
		}
		if !isHexOfLen(b.IV, 16) {
			return fmt.Errorf("%w: blob %d: iv must be 32 hex chars", ErrInvalidDescriptor, i)
		}
		last := i == len(d.Blobs)-1
		if last {
			if !b.isTerminator() {
				return fmt.Errorf("%w: last blob must be the zero-length terminator", ErrInvalidDescriptor)
			}
			continue
		}
		if b.isTerminator() {
			return fmt.Errorf("%w: terminator may only be the last entry", ErrInvalidDescriptor)
		}
		if b.Length <= 0 {
			return fmt.Errorf("%w: blob %d: length must be positive", ErrInvalidDescriptor, i)
		}
		if !isHexOfLen(b.BlobHash, 48) {
			return fmt.Errorf("%w: blob %d: blob_hash must be 96 hex chars", ErrInvalidDescriptor, i)
		}
	}
	return nil
}

// Parse decodes and validates a stream descriptor document.
func Parse(data []byte) (*Descriptor, error) {
	var d Descriptor
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&d); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDescriptor, err)
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

// Serialize emits the canonical encoding of d. Equal Descriptor values
// always produce byte-equal output.
func Serialize(d *Descriptor) ([]byte, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(d)
}

// ComputeStreamHash derives stream_hash per §4.2: SHA384 over the
// concatenation of the hex strings stream_name, key and suggested_file_name,
// in that order, then each blob's (hash-or-empty, blob_num, iv, length).
func ComputeStreamHash(d *Descriptor) []byte {
	var buf bytes.Buffer
	buf.WriteString(d.StreamName)
	buf.WriteString(d.Key)
	buf.WriteString(d.SuggestedFileName)
	for _, b := range d.Blobs {
		buf.WriteString(b.BlobHash)
		fmt.Fprintf(&buf, "%d", b.BlobNum)
		buf.WriteString(b.IV)
		fmt.Fprintf(&buf, "%d", b.Length)
	}
	sum := sha512.Sum384(buf.Bytes())
	return sum[:]
}
