package api

import (
	"bytes"
	"errors"
	"io"
	"time"
)

// errUploadIdleTimeout and errUploadTooLarge distinguish the two failure
// modes the upload handler must tell apart: 408 on inactivity, 413 on the
// size cap.
var (
	errUploadIdleTimeout = errors.New("api: no inbound data within idle window")
	errUploadTooLarge    = errors.New("api: upload exceeded maximum size")
)

type bodyChunk struct {
	data []byte
	err  error
}

// readBodyWithIdleTimeout reads body to completion, failing with
// errUploadIdleTimeout if idle seconds pass between reads and
// errUploadTooLarge if more than maxBytes arrive. The reader goroutine it
// spawns outlives a timed-out call until body is closed by the caller's
// request lifecycle; this mirrors streaming an unbounded upload without
// holding the handler goroutine hostage to a stalled client.
func readBodyWithIdleTimeout(body io.Reader, maxBytes int64, idle time.Duration) ([]byte, error) {
	ch := make(chan bodyChunk)
	done := make(chan struct{})
	defer close(done)
	go func() {
		buf := make([]byte, 32*1024)
		for {
			n, err := body.Read(buf)
			if n > 0 {
				cp := make([]byte, n)
				copy(cp, buf[:n])
				select {
				case ch <- bodyChunk{data: cp}:
				case <-done:
					return
				}
			}
			if err != nil {
				select {
				case ch <- bodyChunk{err: err}:
				case <-done:
				}
				return
			}
		}
	}()

	var out bytes.Buffer
	timer := time.NewTimer(idle)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			return nil, errUploadIdleTimeout
		case c := <-ch:
			if len(c.data) > 0 {
				out.Write(c.data)
				if int64(out.Len()) > maxBytes {
					return nil, errUploadTooLarge
				}
				if !timer.Stop() {
					<-timer.C
				}
				timer.Reset(idle)
			}
			if c.err != nil {
				if c.err == io.EOF {
					return out.Bytes(), nil
				}
				return nil, c.err
			}
		}
	}
}
