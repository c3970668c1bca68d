package fetch

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/cacheproxy/internal/circuitbreaker"
)

type fakeBackend struct {
	resp *http.Response
	err  error
}

func (f *fakeBackend) Do(req *http.Request) (*http.Response, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

func okResponse(body string) *http.Response {
	return &http.Response{
		StatusCode: 200,
		Header:     http.Header{},
		Body:       io.NopCloser(bytes.NewBufferString(body)),
	}
}

func TestFetch_SuccessProducesObject(t *testing.T) {
	w := NewWorker()
	backend := &fakeBackend{resp: okResponse("hello world")}

	bo := w.Fetch(context.Background(), nil, false, backend, nil, Request{Method: "GET", URL: "http://origin/a"})

	terminal := bo.WaitTerminal()
	require.Equal(t, StateFinished, terminal)
	assert.Equal(t, []byte("hello world"), bo.FetchedObject().Body)
}

func TestFetch_BackendErrorFails(t *testing.T) {
	w := NewWorker()
	backend := &fakeBackend{err: errors.New("connection refused")}

	bo := w.Fetch(context.Background(), nil, false, backend, nil, Request{Method: "GET", URL: "http://origin/a"})

	terminal := bo.WaitTerminal()
	require.Equal(t, StateFailed, terminal)
	assert.Equal(t, http.StatusBadGateway, bo.ErrCode())
}

func TestFetch_OpenBreakerShortCircuits(t *testing.T) {
	w := NewWorker()
	backend := &fakeBackend{resp: okResponse("unreachable")}

	cfg := circuitbreaker.DefaultConfig("test")
	cfg.ReadyToTrip = func(c circuitbreaker.Counts) bool { return c.Requests >= 1 }
	breaker := circuitbreaker.New(cfg)

	// Trip the breaker before the fetch runs.
	breaker.RecordFailure()

	bo := w.Fetch(context.Background(), nil, false, backend, breaker, Request{Method: "GET", URL: "http://origin/a"})

	terminal := bo.WaitTerminal()
	require.Equal(t, StateFailed, terminal)
	assert.Equal(t, http.StatusServiceUnavailable, bo.ErrCode())
}

func TestFetch_DeadlineExceededClassifiedAsGatewayTimeout(t *testing.T) {
	w := NewWorker()
	backend := &fakeBackend{err: context.DeadlineExceeded}

	bo := w.Fetch(context.Background(), nil, false, backend, nil, Request{Method: "GET", URL: "http://origin/a"})

	terminal := bo.WaitTerminal()
	require.Equal(t, StateFailed, terminal)
	assert.Equal(t, http.StatusGatewayTimeout, bo.ErrCode())
}

func TestFetch_StreamingAppendsBodyBeforeFinished(t *testing.T) {
	w := NewWorker()
	w.StreamChunks = true
	backend := &fakeBackend{resp: okResponse("streamed-body")}

	bo := w.Fetch(context.Background(), nil, false, backend, nil, Request{Method: "GET", URL: "http://origin/a"})
	bo.WaitTerminal()

	assert.Equal(t, []byte("streamed-body"), bo.Body())
}

func TestBusyObj_RefcountRoundTrips(t *testing.T) {
	bo := NewBusyObj(nil, false)
	assert.EqualValues(t, 1, bo.Refcount())
	bo.Ref()
	assert.EqualValues(t, 2, bo.Refcount())
	assert.EqualValues(t, 1, bo.Deref())
}

func TestState_TerminalCoversBothOutcomes(t *testing.T) {
	assert.False(t, StateStream.Terminal())
	assert.True(t, StateFailed.Terminal())
	assert.True(t, StateFinished.Terminal())
}
