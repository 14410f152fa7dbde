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

// Package blobhash holds the binary blob-identity type. Internally every
// component works with the 48-byte SHA384 digest; hex only appears at wire
// and filesystem boundaries (wire JSON, leveldb keys rendered for debug,
// blob filenames).
package blobhash

import (
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/status-im/keycard-go/hexutils"
)

// Size is the length in bytes of a blob hash (SHA384 digest).
const Size = 48

// Hash identifies a blob by the SHA384 of its content.
type Hash [Size]byte

// Sum computes the blob hash of content.
func Sum(content []byte) Hash {
	return Hash(sha512.Sum384(content))
}

// FromHex decodes a lowercase (or mixed-case) hex string into a Hash. It
// returns an error if s is not valid hex or the decoded length isn't Size
// bytes.
func FromHex(s string) (Hash, error) {
	var h Hash
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("blobhash: invalid hex: %v", err)
	}
	if len(b) != Size {
		return h, fmt.Errorf("blobhash: invalid hex length %d, want %d bytes", len(b), Size)
	}
	copy(h[:], b)
	return h, nil
}

// Hex renders the hash as lowercase hex, the wire/filesystem form.
func (h Hash) Hex() string {
	return strings.ToLower(hexutils.BytesToHex(h[:]))
}

func (h Hash) String() string { return h.Hex() }

// IsZero reports whether h is the zero hash (never a valid blob identity).
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// Bytes returns a copy of the underlying bytes.
func (h Hash) Bytes() []byte {
	b := make([]byte, Size)
	copy(b, h[:])
	return b
}

// MarshalJSON renders the hash as a hex JSON string, matching the wire
// protocol's `requested_blob`/`blob_hash` fields (§4.4).
func (h Hash) MarshalJSON() ([]byte, error) {
	return json.Marshal(h.Hex())
}

// UnmarshalJSON parses a hex JSON string into the hash.
func (h *Hash) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	decoded, err := FromHex(s)
	if err != nil {
		return err
	}
	*h = decoded
	return nil
}

// Less provides a stable total order, used only for deterministic test
// output and stable tie-breaking — not a distance metric.
func Less(a, b Hash) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}
