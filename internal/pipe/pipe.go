// Package pipe implements S-PIPE's transport: once a director hands over a
// raw backend connection, bytes are shuttled bidirectionally between the
// client and backend connections until either side closes, with no
// further FSM involvement.
package pipe

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
)

// Shuttle copies bytes in both directions between client and backend until
// one side closes or errors, then half-closes the destination's write side
// (or closes it fully where CloseWrite is not supported) so its peer sees
// EOF. Blocks until both directions have stopped.
func Shuttle(client, backend net.Conn) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		_, err := io.Copy(backend, client)
		if err != nil && !isClosedErr(err) {
			slog.Debug("pipe: client->backend copy ended", "error", err)
		}
		closeWrite(backend)
	}()

	go func() {
		defer wg.Done()
		_, err := io.Copy(client, backend)
		if err != nil && !isClosedErr(err) {
			slog.Debug("pipe: backend->client copy ended", "error", err)
		}
		closeWrite(client)
	}()

	wg.Wait()
}

// closeWrite half-closes the write side if the connection supports it
// (TCP does), so the peer observes EOF without tearing down reads still in
// flight; otherwise falls back to a full close.
func closeWrite(c net.Conn) {
	type writeCloser interface {
		CloseWrite() error
	}
	if wc, ok := c.(writeCloser); ok {
		_ = wc.CloseWrite()
		return
	}
	_ = c.Close()
}

func isClosedErr(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}
