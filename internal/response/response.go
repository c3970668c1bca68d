// Package response builds the bytes the FSM's S-DELIVER and S-PIPE states
// write back to the client: the RES_BuildHttp/RES_WriteObj counterpart.
package response

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"net/http"
)

// Mode is the bitset describing how a response body will be framed on the
// wire, mirroring the reference's res_mode flags.
type Mode uint8

const (
	ModeLen      Mode = 1 << iota // Content-Length known up front
	ModeChunked                   // Transfer-Encoding: chunked
	ModeEOF                       // body runs until connection close
	ModeESI                       // body contains ESI directives to process
	ModeESIChild                  // this response is itself an ESI fragment
	ModeGunzip                    // body must be decompressed before delivery
)

func (m Mode) Has(f Mode) bool { return m&f != 0 }

// Out is what gets written to the client: a status line, headers, and a
// body reader. Headers are a plain http.Header so callers can reuse
// net/http's canonicalization and multi-value semantics.
type Out struct {
	Status  int
	Headers http.Header
	Body    io.Reader
	Mode    Mode
}

// New builds an Out in LEN mode for a body already fully known, which is
// the common case once the cache index or a finished fetch has handed over
// complete bytes.
func New(status int, headers http.Header, body []byte) *Out {
	if headers == nil {
		headers = make(http.Header)
	}
	headers.Set("Content-Length", fmt.Sprintf("%d", len(body)))
	return &Out{Status: status, Headers: headers, Body: newByteReader(body), Mode: ModeLen}
}

// NewStreaming builds an Out in CHUNKED mode, for a body whose final length
// isn't known yet. Its caller in S-PREPRESP passes an already complete body.
func NewStreaming(status int, headers http.Header, body io.Reader) *Out {
	if headers == nil {
		headers = make(http.Header)
	}
	headers.Set("Transfer-Encoding", "chunked")
	headers.Del("Content-Length")
	return &Out{Status: status, Headers: headers, Body: body, Mode: ModeChunked}
}

// NewEOF builds an Out whose body runs until the connection closes, the
// framing §4.6 mandates for requests on protocols older than HTTP/1.1 that
// don't understand chunked transfer encoding. Sets Connection: close so the
// client (and the server's own connection handling) know not to expect a
// length or another request on this connection.
func NewEOF(status int, headers http.Header, body []byte) *Out {
	if headers == nil {
		headers = make(http.Header)
	}
	headers.Del("Content-Length")
	headers.Set("Connection", "close")
	return &Out{Status: status, Headers: headers, Body: newByteReader(body), Mode: ModeEOF}
}

// NewGunzip decompresses a gzip-encoded body before framing it in LEN mode,
// for §4.6's GUNZIP case: a gzipped object being served to a client whose
// Accept-Encoding didn't offer gzip.
func NewGunzip(status int, headers http.Header, gzipped []byte) (*Out, error) {
	zr, err := gzip.NewReader(bytes.NewReader(gzipped))
	if err != nil {
		return nil, fmt.Errorf("response: gunzip: %w", err)
	}
	defer zr.Close()
	plain, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("response: gunzip: %w", err)
	}
	if headers == nil {
		headers = make(http.Header)
	}
	headers.Del("Content-Encoding")
	out := New(status, headers, plain)
	out.Mode = ModeGunzip
	return out, nil
}

// Write serializes the response to w: status line, headers, then the body
// bytes as they are. It applies no chunk encoding, so its output is only
// well framed for LEN and EOF outs. It is deliberately small: a reverse proxy's response writer has no
// business reimplementing net/http's HTTP/1.1 wire format, so it defers to
// http.ResponseWriter supplied by the caller where one is available; this
// path exists for the pipe/raw-socket delivery case where only an
// io.Writer is on hand.
func Write(w io.Writer, out *Out) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "HTTP/1.1 %d %s\r\n", out.Status, http.StatusText(out.Status))
	for k, vs := range out.Headers {
		for _, v := range vs {
			fmt.Fprintf(bw, "%s: %s\r\n", k, v)
		}
	}
	bw.WriteString("\r\n")
	if out.Body != nil {
		if _, err := io.Copy(bw, out.Body); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// WriteTo writes out through a standard http.ResponseWriter, the path used
// by cmd/proxy's HTTP-facing listener.
func WriteTo(w http.ResponseWriter, out *Out) error {
	hdr := w.Header()
	for k, vs := range out.Headers {
		for _, v := range vs {
			hdr.Add(k, v)
		}
	}
	w.WriteHeader(out.Status)
	if out.Body == nil {
		return nil
	}
	_, err := io.Copy(w, out.Body)
	return err
}

type byteReader struct {
	b   []byte
	pos int
}

func newByteReader(b []byte) *byteReader { return &byteReader{b: b} }

func (r *byteReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.b) {
		return 0, io.EOF
	}
	n := copy(p, r.b[r.pos:])
	r.pos += n
	return n, nil
}
