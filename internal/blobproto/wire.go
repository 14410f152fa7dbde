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

// Package blobproto implements C4: the bit-exact blob exchange wire
// protocol (§4.4/§6) — one blob per connection, a length-prefixed(-by-JSON-
// balance) request/response handshake followed by raw payload bytes.
package blobproto

// RateResponse is the server's payment-rate sentinel (§4.4, bit-exact
// strings required for interop).
type RateResponse string

const (
	RateAccepted RateResponse = "RATE_ACCEPTED"
	RateTooLow   RateResponse = "RATE_TOO_LOW"
	RateUnset    RateResponse = "RATE_UNSET"
)

// MaxRequestSize and MaxHeaderSize are the wire size limits from §4.4.
const (
	MaxRequestSize = 64 * 1024
	MaxHeaderSize  = 64 * 1024
)

// ErrBlobUnavailable is the canonical server refusal string (§4.4).
const ErrBlobUnavailable = "BLOB_UNAVAILABLE"

// Request is the client -> server message.
type Request struct {
	BlobDataPaymentRate float64 `json:"blob_data_payment_rate"`
	RequestedBlob       string  `json:"requested_blob"`
}

// IncomingBlob describes the payload that follows a Response when the
// server is about to send blob bytes.
type IncomingBlob struct {
	BlobHash string `json:"blob_hash"`
	Length   int    `json:"length"`
}

// Response is the server -> client message, followed by raw bytes when
// IncomingBlob is set.
type Response struct {
	BlobDataPaymentRate RateResponse  `json:"blob_data_payment_rate"`
	IncomingBlob        *IncomingBlob `json:"incoming_blob,omitempty"`
	Error               string        `json:"error,omitempty"`
}
