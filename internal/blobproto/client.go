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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/lbryio/blobex/internal/blobhash"
	"github.com/lbryio/blobex/internal/blobstore"
	"github.com/lbryio/blobex/internal/xlog"
)

var (
	// ErrRateTooLow is returned when a peer rejects our payment rate.
	ErrRateTooLow = errors.New("blobproto: peer rejected payment rate")
	// ErrResponseTooLarge guards against a peer sending an oversized header.
	ErrResponseTooLarge = errors.New("blobproto: response header exceeds limit")
)

// Client speaks the one-blob-per-request protocol described in §4.4. A
// Client is safe to reuse across many RequestBlob calls; it holds no
// per-peer state beyond an optional request-pacing limiter.
type Client struct {
	PaymentRate float64
	Limiter     *rate.Limiter
	Log         xlog.Logger
}

// NewClient builds a Client that offers paymentRate on every request and
// paces outgoing requests to at most ratePerSecond (0 disables pacing).
func NewClient(paymentRate float64, ratePerSecond float64, log xlog.Logger) *Client {
	if log == nil {
		log = xlog.New("component", "blobproto-client")
	}
	var lim *rate.Limiter
	if ratePerSecond > 0 {
		lim = rate.NewLimiter(rate.Limit(ratePerSecond), 1)
	}
	return &Client{PaymentRate: paymentRate, Limiter: lim, Log: log}
}

// RequestBlob fetches one blob from a peer, writing its verified bytes into
// store. It mirrors the reference client's signature: callers may pass an
// existingTransport to reuse a connection across blobs from the same peer,
// and always get back the (possibly newly dialed) connection so the caller
// can keep racing or reusing it. If the blob is already complete in store,
// nothing is sent over the wire and RequestBlob returns zero bytesReceived,
// a nil error and existingTransport unchanged (nil when the caller passed
// none) (§4.1 idempotence).
//
// downloadTimeout resets on every chunk received, not just on the whole
// transfer (SPEC_FULL.md §3): a slow-but-steady peer is not penalized, only
// one that stalls outright.
func (c *Client) RequestBlob(
	ctx context.Context,
	store *blobstore.Store,
	hash blobhash.Hash,
	address string,
	port int,
	connectTimeout, downloadTimeout time.Duration,
	existingTransport net.Conn,
) (bytesReceived int64, transport net.Conn, err error) {
	if handle, err := store.GetBlob(hash, nil); err == nil && handle.Verified() {
		return 0, existingTransport, nil
	}

	conn := existingTransport
	if conn == nil {
		conn, err = net.DialTimeout("tcp", net.JoinHostPort(address, strconv.Itoa(port)), connectTimeout)
		if err != nil {
			return 0, nil, err
		}
	}

	// ctx carries per-task cancellation from the racing downloader (a
	// winning peer elsewhere, or the whole download being torn down); none
	// of the deadlines set below ever consult it directly, so closing the
	// connection on cancellation is what actually unblocks a Read/Write
	// already in flight (§5, §8 scenario 5).
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-watchDone:
		}
	}()

	if c.Limiter != nil {
		if err := c.Limiter.Wait(ctx); err != nil {
			return 0, conn, err
		}
	}

	req := Request{BlobDataPaymentRate: c.PaymentRate, RequestedBlob: hash.Hex()}
	payload, err := json.Marshal(req)
	if err != nil {
		return 0, conn, err
	}
	if len(payload) > MaxRequestSize {
		return 0, conn, fmt.Errorf("blobproto: request exceeds %d bytes", MaxRequestSize)
	}

	if deadline, ok := ctxDeadline(ctx, connectTimeout); ok {
		conn.SetWriteDeadline(deadline)
	}
	if _, err := conn.Write(payload); err != nil {
		return 0, conn, err
	}

	if deadline, ok := ctxDeadline(ctx, connectTimeout); ok {
		conn.SetReadDeadline(deadline)
	}
	limited := &limitedReader{r: conn, n: MaxHeaderSize}
	dec := json.NewDecoder(limited)
	var resp Response
	if err := dec.Decode(&resp); err != nil {
		if errors.Is(err, errHeaderTooLarge) {
			return 0, conn, ErrResponseTooLarge
		}
		return 0, conn, err
	}

	switch resp.BlobDataPaymentRate {
	case RateTooLow:
		return 0, conn, ErrRateTooLow
	case RateAccepted, RateUnset:
		// RATE_UNSET is treated as acceptance when no incoming_blob follows:
		// some peers omit the field on blobs they don't have (§4.4 edge case).
	}
	if resp.Error != "" {
		return 0, conn, fmt.Errorf("blobproto: peer error: %s", resp.Error)
	}
	if resp.IncomingBlob == nil {
		return 0, conn, fmt.Errorf("blobproto: peer accepted but sent no incoming_blob")
	}
	length := uint64(resp.IncomingBlob.Length)

	w, err := store.OpenForWriting(hash, &length)
	if err != nil {
		return 0, conn, err
	}

	// Whatever json.Decoder read ahead into its internal buffer belongs to
	// the payload stream, not the header; Buffered() hands it back.
	src := io.MultiReader(dec.Buffered(), conn)
	n, err := copyWithStallTimeout(conn, w, src, int64(length), downloadTimeout)
	if err != nil {
		w.Abort()
		return n, conn, err
	}
	if err := w.Finalize(); err != nil {
		return n, conn, err
	}
	return n, conn, nil
}

// limitedReader caps how many bytes may be read before the header is
// considered oversized; json.Decoder reads incrementally so this bounds the
// whole handshake, not just a single Read call.
type limitedReader struct {
	r io.Reader
	n int
}

var errHeaderTooLarge = errors.New("blobproto: header too large")

func (l *limitedReader) Read(p []byte) (int, error) {
	if l.n <= 0 {
		return 0, errHeaderTooLarge
	}
	if len(p) > l.n {
		p = p[:l.n]
	}
	n, err := l.r.Read(p)
	l.n -= n
	return n, err
}

// copyWithStallTimeout streams exactly want bytes from src into dst,
// resetting conn's read deadline after every successful chunk so a peer
// that is merely slow (not stalled) is not dropped mid-transfer.
func copyWithStallTimeout(conn net.Conn, dst io.Writer, src io.Reader, want int64, stallTimeout time.Duration) (int64, error) {
	buf := make([]byte, 32*1024)
	var total int64
	for total < want {
		if stallTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(stallTimeout))
		}
		toRead := int64(len(buf))
		if remaining := want - total; remaining < toRead {
			toRead = remaining
		}
		n, err := src.Read(buf[:toRead])
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return total, werr
			}
			total += int64(n)
		}
		if err != nil {
			if err == io.EOF && total == want {
				break
			}
			return total, err
		}
	}
	return total, nil
}

func ctxDeadline(ctx context.Context, timeout time.Duration) (time.Time, bool) {
	if d, ok := ctx.Deadline(); ok {
		return d, true
	}
	if timeout > 0 {
		return time.Now().Add(timeout), true
	}
	return time.Time{}, false
}
