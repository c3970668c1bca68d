package fsm

import (
	"context"
	"net"
	"time"

	"github.com/ocx/cacheproxy/internal/accounting"
	"github.com/ocx/cacheproxy/internal/cacheindex"
	"github.com/ocx/cacheproxy/internal/config"
	"github.com/ocx/cacheproxy/internal/director"
	"github.com/ocx/cacheproxy/internal/fetch"
	"github.com/ocx/cacheproxy/internal/metrics"
	"github.com/ocx/cacheproxy/internal/obslog"
	"github.com/ocx/cacheproxy/internal/policy"
)

// Engine holds the collaborators every request's dispatch loop needs:
// the cache index, the policy evaluator, the fetch worker pool, a
// director for backend selection, and the ambient metrics/accounting
// sinks. One Engine is shared by every worker.
type Engine struct {
	Index    *cacheindex.Index
	Policy   policy.PolicyEngine
	Director *director.Director
	Fetch    *fetch.Worker
	Metrics  *metrics.Metrics
	Ledger   *accounting.Ledger

	// PipeDialer opens a raw connection to the selected backend for
	// S-PIPE. Left nil disables pipe support (hook.pipe's verdict is
	// never reachable in that configuration since no VCL would select
	// it, but a misconfigured policy reaching S-PIPE anyway degrades to
	// a synthesized error rather than a nil-pointer panic).
	PipeDialer func(b *director.Backend) (net.Conn, error)
}

// Run is CNT_Request: the dispatch loop. It repeatedly invokes the
// handler for rc.Step, consuming MORE internally, until the handler
// returns DISEMBARK or DONE (or a programmer-bug-class fatal error).
// Precondition: rc.Step is SRecv for a fresh request, SPurge for a request
// routed straight to purge, or the state left by a previous DISEMBARK
// (SLookup, SPurge or SPipe) when resuming.
func (e *Engine) Run(ctx context.Context, rc *RequestContext) (Verdict, error) {
	cfg := config.Get()

	for {
		if !rc.workspaceEmpty() {
			return Done, fatalf(rc.Step, "workspace not empty at state entry (%d bytes used)", rc.Workspace.Used())
		}

		if rc.Step == SPipe && rc.ClientConn == nil {
			// S-PIPE needs the wire-level connection hijacked out from under
			// the HTTP server before it can shuttle bytes; the caller does
			// that and resumes with rc.ClientConn set.
			return Disembark, nil
		}

		if cfg.Cache.DebugTrace {
			objID := ""
			if rc.ObjCore != nil {
				objID = rc.ObjCore.ID
			}
			obslog.Trace(rc.Step.String(), rc.ID, objID, "local")
		}

		started := time.Now()
		verdict, next, err := e.dispatch(ctx, rc)
		if e.Metrics != nil {
			e.Metrics.StateDuration.WithLabelValues(rc.Step.String()).Observe(time.Since(started).Seconds())
		}
		rc.Workspace.Reset()

		if err != nil {
			return Done, err
		}

		switch verdict {
		case More:
			rc.Step = next
			continue
		case Disembark:
			return Disembark, nil
		case Done:
			rc.TResp = time.Now()
			kind := doneKind(rc.Acct)
			if e.Metrics != nil {
				e.Metrics.AcctTotal.WithLabelValues(kind).Inc()
			}
			if e.Ledger != nil {
				e.Ledger.End(rc.ID, rc.Method, rc.URL, digestHex(rc.Digest), kind, rc.RespStatus, rc.Restarts, rc.TReq, rc.TResp, rc.DoClose)
			}
			return Done, nil
		}
	}
}

func doneKind(a AcctReq) string {
	switch {
	case a.Error > 0:
		return "error"
	case a.Pipe > 0:
		return "pipe"
	case a.Pass > 0:
		return "pass"
	case a.Fetch > 0:
		return "fetch"
	default:
		return "hit"
	}
}

// dispatch routes to the handler for rc.Step. Separated from Run so each
// handler can use plain returns without re-implementing the loop.
func (e *Engine) dispatch(ctx context.Context, rc *RequestContext) (Verdict, State, error) {
	switch rc.Step {
	case SRecv:
		return e.handleRecv(ctx, rc)
	case SLookup:
		return e.handleLookup(ctx, rc)
	case SMiss:
		return e.handleMiss(ctx, rc)
	case SPass:
		return e.handlePass(ctx, rc)
	case SFetch:
		return e.handleFetch(ctx, rc)
	case SPrepResp:
		return e.handlePrepResp(ctx, rc)
	case SDeliver:
		return e.handleDeliver(ctx, rc)
	case SError:
		return e.handleError(ctx, rc)
	case SPipe:
		return e.handlePipe(ctx, rc)
	case SPurge:
		return e.handlePurge(ctx, rc)
	case SRestart:
		return e.handleRestart(ctx, rc)
	default:
		return Done, rc.Step, fatalf(rc.Step, "unknown step %d", rc.Step)
	}
}

func digestHex(d [32]byte) string {
	const hextable = "0123456789abcdef"
	var all_zero = true
	for _, b := range d {
		if b != 0 {
			all_zero = false
			break
		}
	}
	if all_zero {
		return ""
	}
	out := make([]byte, 64)
	for i, b := range d {
		out[i*2] = hextable[b>>4]
		out[i*2+1] = hextable[b&0xf]
	}
	return string(out)
}
