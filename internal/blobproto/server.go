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

package blobproto

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net"

	"github.com/lbryio/blobex/internal/blobhash"
	"github.com/lbryio/blobex/internal/blobstore"
	"github.com/lbryio/blobex/internal/xlog"
)

// Server answers one blob request per connection against a local Store. It
// is intentionally minimal: no payment-rate policy beyond a fixed floor,
// which is enough to exercise the wire protocol from both ends and to let
// blobexd serve blobs it already holds.
type Server struct {
	Store   *blobstore.Store
	MinRate float64
	Log     xlog.Logger
}

// NewServer builds a Server requiring at least minRate to serve a blob.
func NewServer(store *blobstore.Store, minRate float64, log xlog.Logger) *Server {
	if log == nil {
		log = xlog.New("component", "blobproto-server")
	}
	return &Server{Store: store, MinRate: minRate, Log: log}
}

// ServeConn handles exactly one request read from conn, then returns; the
// caller decides whether to keep the connection open for another request
// (the reference protocol is one-blob-per-roundtrip but connection reuse is
// a caller-side optimization, not a protocol requirement).
func (s *Server) ServeConn(conn net.Conn) error {
	limited := &limitedReader{r: conn, n: MaxRequestSize}
	dec := json.NewDecoder(limited)
	var req Request
	if err := dec.Decode(&req); err != nil {
		if errors.Is(err, errHeaderTooLarge) {
			return s.writeError(conn, "request too large")
		}
		return err
	}

	if req.BlobDataPaymentRate < s.MinRate {
		return s.writeResponse(conn, Response{BlobDataPaymentRate: RateTooLow})
	}

	hash, err := blobhash.FromHex(req.RequestedBlob)
	if err != nil {
		return s.writeError(conn, "malformed requested_blob")
	}

	r, err := s.Store.OpenForReading(hash)
	if err != nil {
		return s.writeResponse(conn, Response{
			BlobDataPaymentRate: RateUnset,
			Error:               ErrBlobUnavailable,
		})
	}
	defer r.Close()

	resp := Response{
		BlobDataPaymentRate: RateAccepted,
		IncomingBlob:        &IncomingBlob{BlobHash: hash.Hex(), Length: len(r.Bytes())},
	}
	if err := s.writeResponse(conn, resp); err != nil {
		return err
	}
	_, err = io.Copy(conn, bytes.NewReader(r.Bytes()))
	return err
}

func (s *Server) writeResponse(conn net.Conn, resp Response) error {
	payload, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	_, err = conn.Write(payload)
	return err
}

func (s *Server) writeError(conn net.Conn, msg string) error {
	return s.writeResponse(conn, Response{BlobDataPaymentRate: RateUnset, Error: msg})
}
