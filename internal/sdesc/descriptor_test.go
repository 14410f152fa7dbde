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

package sdesc

import (
	"encoding/hex"
	"testing"

	"github.com/google/go-cmp/cmp"
	fuzz "github.com/google/gofuzz"
	"github.com/stretchr/testify/require"
)

func hexHash(b byte) string {
	h := make([]byte, 48)
	for i := range h {
		h[i] = b
	}
	return hex.EncodeToString(h)
}

func hexIV(b byte) string {
	h := make([]byte, 16)
	for i := range h {
		h[i] = b
	}
	return hex.EncodeToString(h)
}

func validDescriptor() *Descriptor {
	return &Descriptor{
		StreamName:        hex.EncodeToString([]byte("video.mp4")),
		SuggestedFileName: hex.EncodeToString([]byte("video.mp4")),
		StreamHash:        hexHash(0xaa),
		Key:               hexIV(0x01),
		Blobs: []BlobEntry{
			{Length: 1024, BlobNum: 0, IV: hexIV(0x02), BlobHash: hexHash(0x03)},
			{Length: 512, BlobNum: 1, IV: hexIV(0x04), BlobHash: hexHash(0x05)},
			{Length: 0, BlobNum: 2, IV: hexIV(0x06)},
		},
	}
}

func TestParseValid(t *testing.T) {
	d := validDescriptor()
	data, err := Serialize(d)
	require.NoError(t, err)

	parsed, err := Parse(data)
	require.NoError(t, err)
	require.Empty(t, cmp.Diff(d, parsed))
}

func TestRoundTripBytesStable(t *testing.T) {
	d := validDescriptor()
	data, err := Serialize(d)
	require.NoError(t, err)

	parsed, err := Parse(data)
	require.NoError(t, err)

	data2, err := Serialize(parsed)
	require.NoError(t, err)
	require.Equal(t, data, data2)
}

func TestMissingTerminatorRejected(t *testing.T) {
	d := validDescriptor()
	d.Blobs = d.Blobs[:2] // drop the terminator
	_, err := Serialize(d)
	require.ErrorIs(t, err, ErrInvalidDescriptor)
}

func TestNonContiguousBlobNumRejected(t *testing.T) {
	d := validDescriptor()
	d.Blobs[1].BlobNum = 5
	_, err := Serialize(d)
	require.ErrorIs(t, err, ErrInvalidDescriptor)
}

func TestZeroLengthNonTerminatorRejected(t *testing.T) {
	d := validDescriptor()
	d.Blobs[0].Length = 0
	d.Blobs[0].BlobHash = ""
	_, err := Serialize(d)
	require.ErrorIs(t, err, ErrInvalidDescriptor)
}

func TestTerminatorWithHashRejected(t *testing.T) {
	d := validDescriptor()
	d.Blobs[2].BlobHash = hexHash(0x09)
	_, err := Serialize(d)
	require.ErrorIs(t, err, ErrInvalidDescriptor)
}

func TestSingleBlobStream(t *testing.T) {
	d := &Descriptor{
		StreamName:        hex.EncodeToString([]byte("single")),
		SuggestedFileName: hex.EncodeToString([]byte("single.bin")),
		StreamHash:        hexHash(0xff),
		Key:               hexIV(0x10),
		Blobs: []BlobEntry{
			{Length: 1, BlobNum: 0, IV: hexIV(0x11), BlobHash: hexHash(0x12)},
			{Length: 0, BlobNum: 1, IV: hexIV(0x13)},
		},
	}
	data, err := Serialize(d)
	require.NoError(t, err)
	parsed, err := Parse(data)
	require.NoError(t, err)
	require.Len(t, parsed.Blobs, 2)
}

func TestComputeStreamHashDeterministic(t *testing.T) {
	d := validDescriptor()
	h1 := ComputeStreamHash(d)
	h2 := ComputeStreamHash(d)
	require.Equal(t, h1, h2)
	require.Len(t, h1, 48)

	d2 := validDescriptor()
	d2.Blobs[0].Length = 2048
	require.NotEqual(t, h1, ComputeStreamHash(d2))
}

func TestMalformedJSONRejected(t *testing.T) {
	_, err := Parse([]byte(`{not json`))
	require.ErrorIs(t, err, ErrInvalidDescriptor)
}

// TestFuzzParseNeverPanics asserts that arbitrary byte garbage never panics
// the parser; TestFuzzRoundTripValidDescriptors below covers the round trip.
func TestFuzzParseNeverPanics(t *testing.T) {
	f := fuzz.New().NilChance(0).NumElements(0, 64)
	for i := 0; i < 200; i++ {
		var garbage []byte
		f.Fuzz(&garbage)
		require.NotPanics(t, func() {
			Parse(garbage)
		})
	}
}

func TestFuzzRoundTripValidDescriptors(t *testing.T) {
	f := fuzz.New().NilChance(0).NumElements(1, 8)
	for i := 0; i < 100; i++ {
		var n uint8
		f.Fuzz(&n)
		count := int(n%8) + 1

		d := &Descriptor{
			StreamName:        hex.EncodeToString([]byte("fuzzed-name")),
			SuggestedFileName: hex.EncodeToString([]byte("fuzzed-file")),
			StreamHash:        hexHash(byte(count)),
			Key:               hexIV(byte(count)),
		}
		for j := 0; j < count; j++ {
			d.Blobs = append(d.Blobs, BlobEntry{
				Length:   j + 1,
				BlobNum:  j,
				IV:       hexIV(byte(j)),
				BlobHash: hexHash(byte(j)),
			})
		}
		d.Blobs = append(d.Blobs, BlobEntry{Length: 0, BlobNum: count, IV: hexIV(0xee)})

		data, err := Serialize(d)
		require.NoError(t, err)
		parsed, err := Parse(data)
		require.NoError(t, err)
		require.Empty(t, cmp.Diff(d, parsed))
	}
}
