package fetch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/ocx/cacheproxy/internal/cacheindex"
	"github.com/ocx/cacheproxy/internal/circuitbreaker"
)

// Backend is the subset of an HTTP client a director hands the worker.
// Kept narrow so tests can fake it without standing up a real listener.
type Backend interface {
	Do(req *http.Request) (*http.Response, error)
}

// Request describes what to fetch: enough of the inbound request to build
// an outbound one, independent of any web framework's request type.
type Request struct {
	Method  string
	URL     string
	Headers http.Header
}

// Worker drives busyobjs through their lifecycle, one goroutine per fetch.
// It holds no backend of its own: each Fetch call is handed the backend
// and breaker the director selected for that request, since the pool
// routes different requests to different upstreams.
type Worker struct {
	MaxBodyBytes int64
	StreamChunks bool
}

// NewWorker builds a Worker with sane defaults.
func NewWorker() *Worker {
	return &Worker{
		MaxBodyBytes: 64 << 20,
		StreamChunks: true,
	}
}

// Fetch starts a backend request against backend and returns immediately
// with a busyobj in StateReqDone; the actual I/O runs on a separate
// goroutine and advances the busyobj through FETCH, (optionally) STREAM,
// and a terminal state. Callers block on WaitTerminal or
// WaitStreamOrTerminal rather than polling. breaker may be nil to run
// without circuit protection (unit tests exercising the fetch path in
// isolation).
func (w *Worker) Fetch(ctx context.Context, oc *cacheindex.ObjCore, isPass bool, backend Backend, breaker *circuitbreaker.Breaker, req Request) *BusyObj {
	bo := NewBusyObj(oc, isPass)
	bo.StreamMode = w.StreamChunks
	go w.run(ctx, bo, backend, breaker, req)
	return bo
}

func (w *Worker) run(ctx context.Context, bo *BusyObj, backend Backend, breaker *circuitbreaker.Breaker, req Request) {
	bo.setState(StateFetch)

	if breaker != nil && !breaker.Allow() {
		bo.errCode = http.StatusServiceUnavailable
		bo.setState(StateFailed)
		return
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, nil)
	if err != nil {
		slog.Error("fetch: building backend request", "error", err, "busyobj", bo.ID)
		recordFailure(breaker)
		bo.errCode = http.StatusBadGateway
		bo.setState(StateFailed)
		return
	}
	for k, vs := range req.Headers {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	started := time.Now()
	resp, err := backend.Do(httpReq)
	if err != nil {
		slog.Warn("fetch: backend round trip failed", "error", err, "busyobj", bo.ID, "elapsed", time.Since(started))
		recordFailure(breaker)
		bo.errCode = classifyErr(err)
		bo.setState(StateFailed)
		return
	}
	defer resp.Body.Close()
	recordSuccess(breaker)

	obj := &cacheindex.Object{
		LastLRU: started,
		LastUse: started,
	}
	obj.Gzipped = resp.Header.Get("Content-Encoding") == "gzip"

	if bo.StreamMode {
		bo.setState(StateStream)
		body, err := readCapped(resp.Body, w.MaxBodyBytes, bo)
		if err != nil {
			slog.Warn("fetch: streaming backend body", "error", err, "busyobj", bo.ID)
			bo.errCode = http.StatusBadGateway
			bo.setState(StateFailed)
			return
		}
		obj.Body = body
	} else {
		body, err := readCapped(resp.Body, w.MaxBodyBytes, nil)
		if err != nil {
			bo.errCode = http.StatusBadGateway
			bo.setState(StateFailed)
			return
		}
		obj.Body = body
	}

	bo.mu.Lock()
	bo.obj = obj
	bo.mu.Unlock()

	if oc := bo.ObjCore; oc != nil && !bo.IsPass {
		// promotion into the index is the caller's job (FSM's S-FETCH
		// handler), which also knows the TTL/policy decision; the worker
		// only hands back the finished object.
		_ = oc
	}

	bo.setState(StateFinished)
}

func recordFailure(breaker *circuitbreaker.Breaker) {
	if breaker != nil {
		breaker.RecordFailure()
	}
}

func recordSuccess(breaker *circuitbreaker.Breaker) {
	if breaker != nil {
		breaker.RecordSuccess()
	}
}

func classifyErr(err error) int {
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	return http.StatusBadGateway
}

// readCapped reads up to limit bytes, erroring if the body exceeds it. When
// sink is non-nil each chunk is also appended there as it arrives, so a
// concurrent reader can observe bytes before the fetch finishes.
func readCapped(r io.Reader, limit int64, sink *BusyObj) ([]byte, error) {
	lr := io.LimitReader(r, limit+1)
	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)
	for {
		n, err := lr.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			if sink != nil {
				sink.AppendBody(chunk[:n])
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
	}
	if int64(len(buf)) > limit {
		return nil, errBodyTooLarge
	}
	return buf, nil
}

var errBodyTooLarge = errors.New("fetch: backend body exceeds configured limit")
