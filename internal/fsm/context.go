package fsm

import (
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/ocx/cacheproxy/internal/arena"
	"github.com/ocx/cacheproxy/internal/cacheindex"
	"github.com/ocx/cacheproxy/internal/director"
	"github.com/ocx/cacheproxy/internal/fetch"
	"github.com/ocx/cacheproxy/internal/policy"
	"github.com/ocx/cacheproxy/internal/response"
)

// AcctReq tallies the per-request accounting counters from §3.
type AcctReq struct {
	Fetch int
	Pass  int
	Pipe  int
	Error int
}

// RequestContext owns the per-request mutable state the FSM thread through
// every handler. It is created once per top-level request (and once per
// ESI sub-request) and discarded at DONE.
type RequestContext struct {
	ID string // google/uuid v4, stamped at RECV, carried through every log line

	Step State

	Restarts    int
	MaxRestarts int

	ErrCode   int
	ErrReason string

	// ObjCore is the single refcounted handle onto a cached object, held
	// across LOOKUP/MISS/FETCH/PREPRESP/DELIVER. Its Object field is nil
	// until a fetch promotes it or a hit is found already populated.
	ObjCore *cacheindex.ObjCore
	BusyObj *fetch.BusyObj

	// PassDelivery records whether the busyobj that produced ObjCore was
	// launched with pass=1, so DELIVER knows this is a hit-for-pass-style
	// delivery even though the objcore itself is transient and unlinked.
	PassDelivery bool

	Director *director.Backend

	Digest [32]byte

	WantBody bool
	ResMode  response.Mode
	DoClose  string

	ESILevel int

	DisableESI     bool
	HashAlwaysMiss bool
	HashIgnoreBusy bool

	Acct AcctReq

	TReq, TResp time.Time

	Workspace *arena.Workspace

	// Wire-level request the FSM reads from and writes response headers
	// to. Kept minimal per §1's scope boundary; Proto is the one piece of
	// protocol version the dispatch loop itself needs, for §4.6's
	// CHUNKED-vs-EOF framing choice.
	Method  string
	URL     string
	Proto   string // e.g. "HTTP/1.1", as net/http.Request.Proto reports it
	Headers http.Header

	RespHeaders http.Header
	RespStatus  int
	RespBody    []byte

	Out *response.Out

	// ClientConn is the hijacked client connection S-PIPE shuttles bytes
	// over. Nil for ordinary (non-piped) requests.
	ClientConn net.Conn

	recvHandling policy.Verdict // internal: verdict recorded at RECV, consulted for gzip normalization

	waitCh <-chan struct{} // set on DISEMBARK; caller waits on this before re-entering Run
}

// WaitChannel returns the channel a DISEMBARK verdict parked this request
// on. The caller blocks on it, then calls Run again with the same
// RequestContext (Step is left at the state that parked it, SLookup or
// SPurge).
func (rc *RequestContext) WaitChannel() <-chan struct{} {
	return rc.waitCh
}

// NewRequestContext builds a fresh context at S-RECV, satisfying
// invariant 2: obj/objcore/busyobj all nil. proto is the request's wire
// protocol version (e.g. "HTTP/1.1"); an empty string is treated by
// ProtoAtLeast11 as unknown and defaults to modern framing.
func NewRequestContext(method, url, proto string, headers http.Header, maxRestarts, workspaceSize int) *RequestContext {
	if headers == nil {
		headers = make(http.Header)
	}
	return &RequestContext{
		ID:          uuid.NewString(),
		Step:        SRecv,
		MaxRestarts: maxRestarts,
		Method:      method,
		URL:         url,
		Proto:       proto,
		Headers:     headers,
		RespHeaders: make(http.Header),
		Workspace:   arena.New(workspaceSize),
		TReq:        time.Now(),
	}
}

// ProtoAtLeast11 reports whether the request declared HTTP/1.1 or newer,
// the threshold handlePrepResp uses to choose CHUNKED over EOF framing
// (§4.6). An unparseable or empty Proto defaults to true: assume a modern
// client rather than degrade framing on a missing value.
func (rc *RequestContext) ProtoAtLeast11() bool {
	major, minor, ok := http.ParseHTTPVersion(rc.Proto)
	if !ok {
		return true
	}
	return major > 1 || (major == 1 && minor >= 1)
}

// workspaceEmpty asserts invariant 8: the workspace is empty at every
// state transition.
func (rc *RequestContext) workspaceEmpty() bool {
	return rc.Workspace.Empty()
}
