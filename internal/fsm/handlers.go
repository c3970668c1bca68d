package fsm

import (
	"bytes"
	"context"
	"crypto/sha256"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ocx/cacheproxy/internal/cacheindex"
	"github.com/ocx/cacheproxy/internal/config"
	"github.com/ocx/cacheproxy/internal/director"
	"github.com/ocx/cacheproxy/internal/fetch"
	"github.com/ocx/cacheproxy/internal/obslog"
	"github.com/ocx/cacheproxy/internal/pipe"
	"github.com/ocx/cacheproxy/internal/policy"
	"github.com/ocx/cacheproxy/internal/response"
)

// backgroundRefreshTimeout bounds a background grace refresh so a stuck
// backend can't leave a key's boc slot occupied forever.
const backgroundRefreshTimeout = 30 * time.Second

// handleRecv is S-RECV, §4.1.
func (e *Engine) handleRecv(ctx context.Context, rc *RequestContext) (Verdict, State, error) {
	if rc.ErrCode != 0 {
		return More, SError, nil
	}

	rc.Director = e.Director.Pick()
	rc.HashAlwaysMiss = false
	rc.HashIgnoreBusy = false

	cacheControl := strings.ToLower(strings.TrimSpace(rc.Headers.Get("Cache-Control")))

	recvArgs := policy.Args{
		Hook: policy.HookRecv,
		Req:  reqFromContext(rc),
	}
	verdict, err := e.Policy.Invoke(ctx, recvArgs)
	if err != nil {
		return Done, rc.Step, err
	}
	if err := policy.CheckVerdict(policy.HookRecv, verdict); err != nil {
		return Done, rc.Step, err
	}
	rc.recvHandling = verdict

	cfg := config.Get()
	if cfg.Cache.GzipEnabled && verdict != policy.VerdictPipe && verdict != policy.VerdictPass {
		normalizeAcceptEncoding(rc)
	}
	_ = cacheControl // canonicalized form consulted by hook.recv's own evaluation, not re-derived here

	digest := sha256.New()
	keyWriter := func(s string) { digest.Write([]byte(s)) }
	hashArgs := policy.Args{Hook: policy.HookHash, Req: reqFromContext(rc), KeyWriter: keyWriter}
	hashVerdict, err := e.Policy.Invoke(ctx, hashArgs)
	if err != nil {
		return Done, rc.Step, err
	}
	if hashVerdict != policy.VerdictLookup {
		return Done, rc.Step, fatalf(rc.Step, "hook.hash returned %s, want LOOKUP", hashVerdict)
	}
	sum := digest.Sum(nil)
	copy(rc.Digest[:], sum)

	rc.WantBody = rc.Method != "HEAD"

	switch verdict {
	case policy.VerdictPurge:
		return More, SPurge, nil
	case policy.VerdictHash:
		return More, SLookup, nil
	case policy.VerdictPipe:
		if rc.ESILevel > 0 {
			// Resolved open question: pipe is incompatible with ESI
			// fragment inclusion, synthesize a 503 rather than attempt it.
			rc.ErrCode = 503
			rc.ErrReason = "pipe not available to included fragments"
			return More, SError, nil
		}
		return More, SPipe, nil
	case policy.VerdictPass:
		return More, SPass, nil
	case policy.VerdictError:
		return More, SError, nil
	default:
		return Done, rc.Step, fatalf(rc.Step, "hook.recv returned illegal verdict %s", verdict)
	}
}

func normalizeAcceptEncoding(rc *RequestContext) {
	ae := rc.Headers.Get("Accept-Encoding")
	if strings.Contains(strings.ToLower(ae), "gzip") {
		rc.Headers.Set("Accept-Encoding", "gzip")
	} else {
		rc.Headers.Del("Accept-Encoding")
	}
}

func reqFromContext(rc *RequestContext) *policy.HTTPRequest {
	headers := make(map[string]string, len(rc.Headers))
	for k := range rc.Headers {
		headers[k] = rc.Headers.Get(k)
	}
	return &policy.HTTPRequest{Method: rc.Method, URL: rc.URL, Headers: headers}
}

// handleLookup is S-LOOKUP, §4.2.
func (e *Engine) handleLookup(ctx context.Context, rc *RequestContext) (Verdict, State, error) {
	wantWaitingList := rc.ESILevel == 0
	result := e.Index.Lookup(ctx, rc.Digest, wantWaitingList, rc.HashAlwaysMiss)

	switch result.Outcome {
	case cacheindex.OutcomeBusy:
		rc.waitCh = result.Wait
		return Disembark, SLookup, nil

	case cacheindex.OutcomeMiss:
		rc.ObjCore = result.Miss
		return More, SMiss, nil

	case cacheindex.OutcomeHit:
		oc := result.Hit
		if oc.HasFlag(cacheindex.FlagPass) {
			e.Index.Deref(oc)
			if e.Metrics != nil {
				e.Metrics.CacheHitPass.Inc()
			}
			obslog.HitForPass(rc.ID, digestHex(rc.Digest))
			return More, SPass, nil
		}
		if e.Metrics != nil {
			e.Metrics.CacheHit.Inc()
		}

		verdict, err := e.Policy.Invoke(ctx, policy.Args{Hook: policy.HookLookup, Req: reqFromContext(rc)})
		if err != nil {
			return Done, rc.Step, err
		}
		if cerr := policy.CheckVerdict(policy.HookLookup, verdict); cerr != nil {
			e.Index.Deref(oc)
			return Done, rc.Step, cerr
		}

		switch verdict {
		case policy.VerdictDeliver:
			rc.ObjCore = oc
			obslog.Hit(rc.ID, oc.ID)
			return More, SPrepResp, nil
		case policy.VerdictFetch:
			// Grace (§4.2 step 6): serve the hit now and let a background
			// build refresh the key, rather than blocking this request
			// behind a full rebuild. Only one background build runs per
			// key; if one is already in flight this request just rides
			// the hit it already has.
			e.backgroundRefresh(rc.Director, oc, rc.Method, rc.URL)
			rc.ObjCore = oc
			obslog.Hit(rc.ID, oc.ID)
			return More, SPrepResp, nil
		case policy.VerdictPass:
			e.Index.Deref(oc)
			return More, SPass, nil
		case policy.VerdictRestart:
			e.Index.Deref(oc)
			return More, SRestart, nil
		case policy.VerdictError:
			e.Index.Deref(oc)
			return More, SError, nil
		default:
			e.Index.Deref(oc)
			return Done, rc.Step, fatalf(rc.Step, "hook.lookup returned illegal verdict %s", verdict)
		}
	}

	return Done, rc.Step, fatalf(rc.Step, "index.Lookup returned unknown outcome %d", result.Outcome)
}

// backgroundRefresh starts a detached fetch that repopulates oc's key
// without this request waiting on it, the concurrent-boc-while-serving-oc
// case from §4.2 step 6. A no-op if backend is nil or a refresh for this
// key is already running.
func (e *Engine) backgroundRefresh(backend *director.Backend, oc *cacheindex.ObjCore, method, url string) {
	if backend == nil {
		return
	}
	boc, started := e.Index.BeginBackgroundRefresh(oc)
	if !started {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), backgroundRefreshTimeout)
		defer cancel()
		bo := e.Fetch.Fetch(ctx, boc, false, backend, backend.Breaker, fetch.Request{Method: method, URL: backend.BaseURL + url, Headers: nil})
		terminal := bo.WaitTerminal()
		if terminal == fetch.StateFailed {
			slog.Warn("background refresh failed", "url", url, "err_code", bo.ErrCode())
			e.Index.Fail(boc)
		} else {
			e.Index.Promote(boc, bo.FetchedObject())
		}
		bo.Deref()
	}()
}

// handleMiss is S-MISS, §4.3.
func (e *Engine) handleMiss(ctx context.Context, rc *RequestContext) (Verdict, State, error) {
	if rc.ObjCore == nil || !rc.ObjCore.HasFlag(cacheindex.FlagBusy) {
		return Done, rc.Step, fatalf(rc.Step, "S-MISS entered without a busy objcore")
	}

	verdict, err := e.Policy.Invoke(ctx, policy.Args{Hook: policy.HookMiss, Req: reqFromContext(rc)})
	if err != nil {
		return Done, rc.Step, err
	}
	if cerr := policy.CheckVerdict(policy.HookMiss, verdict); cerr != nil {
		e.Index.Fail(rc.ObjCore)
		rc.ObjCore = nil
		return Done, rc.Step, cerr
	}

	switch verdict {
	case policy.VerdictFetch:
		if e.Metrics != nil {
			e.Metrics.CacheMiss.Inc()
		}
		obslog.Miss(rc.ID, digestHex(rc.Digest))
		if rc.Director == nil {
			e.Index.Fail(rc.ObjCore)
			rc.ObjCore = nil
			return Done, rc.Step, fatalf(rc.Step, "no healthy backend available")
		}
		bo := e.Fetch.Fetch(ctx, rc.ObjCore, false, rc.Director, rc.Director.Breaker, fetch.Request{Method: rc.Method, URL: rc.Director.BaseURL + rc.URL, Headers: nil})
		rc.BusyObj = bo
		rc.ObjCore = nil // ownership transferred to the fetch
		rc.Acct.Fetch++
		return More, SFetch, nil
	case policy.VerdictError:
		e.Index.Fail(rc.ObjCore)
		rc.ObjCore = nil
		return More, SError, nil
	case policy.VerdictRestart:
		e.Index.Fail(rc.ObjCore)
		rc.ObjCore = nil
		return More, SRestart, nil
	case policy.VerdictPass:
		e.Index.Fail(rc.ObjCore)
		rc.ObjCore = nil
		return More, SPass, nil
	default:
		e.Index.Fail(rc.ObjCore)
		rc.ObjCore = nil
		return Done, rc.Step, fatalf(rc.Step, "hook.miss returned illegal verdict %s", verdict)
	}
}

// handlePass is S-PASS, §4.4.
func (e *Engine) handlePass(ctx context.Context, rc *RequestContext) (Verdict, State, error) {
	verdict, err := e.Policy.Invoke(ctx, policy.Args{Hook: policy.HookPass, Req: reqFromContext(rc)})
	if err != nil {
		return Done, rc.Step, err
	}
	if cerr := policy.CheckVerdict(policy.HookPass, verdict); cerr != nil {
		return Done, rc.Step, cerr
	}

	switch verdict {
	case policy.VerdictFetch:
		if rc.Director == nil {
			return Done, rc.Step, fatalf(rc.Step, "no healthy backend available")
		}
		boc := cacheindex.NewObjCore()
		bo := e.Fetch.Fetch(ctx, boc, true, rc.Director, rc.Director.Breaker, fetch.Request{Method: rc.Method, URL: rc.Director.BaseURL + rc.URL, Headers: nil})
		rc.BusyObj = bo
		rc.Acct.Pass++
		return More, SFetch, nil
	case policy.VerdictError:
		return More, SError, nil
	case policy.VerdictRestart:
		// Resolved open question: RESTART from S-PASS is a programmer
		// bug, matching the reference's INCOMPL() marker.
		return Done, rc.Step, fatalf(rc.Step, "RESTART from S-PASS is not supported")
	default:
		return Done, rc.Step, fatalf(rc.Step, "hook.pass returned illegal verdict %s", verdict)
	}
}

// handleFetch is S-FETCH, §4.5.
func (e *Engine) handleFetch(ctx context.Context, rc *RequestContext) (Verdict, State, error) {
	if rc.BusyObj == nil {
		return Done, rc.Step, fatalf(rc.Step, "S-FETCH entered without a busyobj")
	}

	terminal := rc.BusyObj.WaitTerminal()
	bo := rc.BusyObj

	if terminal == fetch.StateFailed {
		if e.Metrics != nil {
			e.Metrics.FetchTotal.WithLabelValues("failed").Inc()
			e.Metrics.FetchDuration.Observe(bo.Duration().Seconds())
		}
		rc.ErrCode = bo.ErrCode()
		if rc.ErrCode == 0 {
			rc.ErrCode = 503
		}
		bo.Deref()
		rc.BusyObj = nil
		return More, SError, nil
	}

	if e.Metrics != nil {
		e.Metrics.FetchTotal.WithLabelValues("finished").Inc()
		e.Metrics.FetchDuration.Observe(bo.Duration().Seconds())
	}
	obj := bo.FetchedObject()
	e.Index.Promote(bo.ObjCore, obj)
	// The creation reference stays with the index as the cached copy; this
	// request takes its own reference, which S-DELIVER releases.
	bo.ObjCore.Ref()
	rc.ObjCore = bo.ObjCore
	rc.PassDelivery = bo.IsPass
	rc.ErrCode = 0
	bo.Deref()
	rc.BusyObj = nil
	return More, SPrepResp, nil
}

// handlePrepResp is S-PREPRESP, §4.6.
func (e *Engine) handlePrepResp(ctx context.Context, rc *RequestContext) (Verdict, State, error) {
	cfg := config.Get()

	var mode response.Mode
	hasLiveFetch := rc.BusyObj != nil

	if !hasLiveFetch && rc.ObjCore != nil && rc.ObjCore.Object != nil && rc.ObjCore.Object.ESIData != nil && !rc.DisableESI {
		mode = response.ModeESI
	} else if !hasLiveFetch {
		mode = response.ModeLen
	}

	if rc.ESILevel > 0 {
		mode = response.ModeESIChild
	}

	if cfg.Cache.GzipEnabled && rc.ObjCore != nil && rc.ObjCore.Object != nil && rc.ObjCore.Object.Gzipped && !acceptsGzip(rc.Headers.Get("Accept-Encoding")) {
		mode = response.ModeGunzip
	}

	if mode == 0 && rc.WantBody {
		// §4.6: CHUNKED for HTTP/1.1+ clients, EOF-with-connection-close
		// for anything older that doesn't understand chunked framing.
		if rc.ProtoAtLeast11() {
			mode = response.ModeChunked
			rc.DoClose = ""
		} else {
			mode = response.ModeEOF
			rc.DoClose = "EOF"
		}
	}

	rc.ResMode = mode
	rc.TResp = time.Now()

	if rc.ObjCore != nil && rc.ObjCore.Object != nil {
		threshold := cfg.Cache.LRUTouchThreshold()
		obj := rc.ObjCore.Object
		if threshold <= 0 || time.Since(obj.LastUse) > threshold {
			obj.TouchLRU(rc.TResp)
		}
	}

	rc.RespStatus = 200
	if rc.ErrCode != 0 {
		rc.RespStatus = rc.ErrCode
	}

	verdict, err := e.Policy.Invoke(ctx, policy.Args{
		Hook:       policy.HookDeliver,
		Req:        reqFromContext(rc),
		Resp:       &policy.HTTPResponse{},
		ErrCode:    rc.ErrCode,
		ErrReason:  rc.ErrReason,
		RestartCnt: rc.Restarts,
	})
	if err != nil {
		return Done, rc.Step, err
	}
	if cerr := policy.CheckVerdict(policy.HookDeliver, verdict); cerr != nil {
		return Done, rc.Step, cerr
	}

	switch verdict {
	case policy.VerdictDeliver:
		return More, SDeliver, nil
	case policy.VerdictRestart:
		if rc.Restarts < rc.MaxRestarts {
			if rc.ObjCore != nil {
				e.Index.Deref(rc.ObjCore)
				rc.ObjCore = nil
			}
			return More, SRestart, nil
		}
		// Budget exhausted: degrade to normal continuation per §7.
		return More, SDeliver, nil
	default:
		return Done, rc.Step, fatalf(rc.Step, "hook.deliver returned illegal verdict %s", verdict)
	}
}

func acceptsGzip(acceptEncoding string) bool {
	return strings.Contains(strings.ToLower(acceptEncoding), "gzip")
}

// handleDeliver is S-DELIVER, §4.7.
func (e *Engine) handleDeliver(ctx context.Context, rc *RequestContext) (Verdict, State, error) {
	if rc.ObjCore == nil {
		return Done, rc.Step, fatalf(rc.Step, "S-DELIVER entered without an objcore")
	}
	if rc.BusyObj != nil {
		// Streaming-concurrent-with-hit delivery (§9) never arises under
		// this index's atomic-promotion model; guard it anyway.
		terminal := rc.BusyObj.WaitTerminal()
		rc.BusyObj.Deref()
		rc.BusyObj = nil
		if terminal == fetch.StateFailed {
			rc.ErrCode = 503
			return More, SError, nil
		}
	}

	rc.Director = nil
	rc.Restarts = 0

	body := []byte(nil)
	if rc.WantBody && rc.ObjCore.Object != nil {
		body = rc.ObjCore.Object.Body
	}

	out, err := buildOut(rc.ResMode, rc.RespStatus, rc.RespHeaders, body)
	if err != nil {
		slog.Warn("framing response body", "request_id", rc.ID, "mode", rc.ResMode, "error", err)
		e.Index.Deref(rc.ObjCore)
		rc.ObjCore = nil
		rc.ErrCode = http.StatusBadGateway
		rc.ErrReason = "response framing failed"
		return More, SError, nil
	}
	rc.Out = out

	if rc.PassDelivery || rc.ObjCore.HasFlag(cacheindex.FlagPass) {
		e.Index.MarkHitForPass(rc.ObjCore)
	}

	e.Index.Deref(rc.ObjCore)
	rc.ObjCore = nil

	return Done, rc.Step, nil
}

// buildOut frames body on the wire per mode, the part of §4.6/§4.7 that
// was previously computed (handlePrepResp) and then discarded. GUNZIP
// decompresses before handing the client a LEN-framed plain body; CHUNKED
// and EOF pick their respective Transfer-Encoding/connection-close framing;
// anything else (including the ESI modes, whose fragment processing is out
// of scope here) delivers the body as-is in LEN mode.
func buildOut(mode response.Mode, status int, headers http.Header, body []byte) (*response.Out, error) {
	switch {
	case mode.Has(response.ModeGunzip):
		return response.NewGunzip(status, headers, body)
	case mode.Has(response.ModeChunked):
		return response.NewStreaming(status, headers, bytes.NewReader(body)), nil
	case mode.Has(response.ModeEOF):
		return response.NewEOF(status, headers, body), nil
	default:
		return response.New(status, headers, body), nil
	}
}

// handleError is S-ERROR, §4.8.
func (e *Engine) handleError(ctx context.Context, rc *RequestContext) (Verdict, State, error) {
	if rc.ObjCore != nil || rc.BusyObj != nil {
		return Done, rc.Step, fatalf(rc.Step, "S-ERROR entered with live objcore/busyobj")
	}

	rc.Acct.Error++

	cfg := config.Get()
	if len(rc.RespHeaders) == 0 {
		rc.RespHeaders = make(http.Header)
	}

	if rc.ErrCode < 100 || rc.ErrCode > 999 {
		rc.ErrCode = 501
	}
	if rc.ErrReason == "" {
		rc.ErrReason = statusText(rc.ErrCode)
	}

	rc.RespHeaders.Set("Date", time.Now().UTC().Format(time.RFC1123))
	rc.RespHeaders.Set("Server", "cacheproxy")
	rc.RespHeaders.Set("X-Error-Reason", rc.ErrReason)
	_ = cfg.Cache.HTTPRespSize // bounds the synthetic body in a real transient allocator

	verdict, err := e.Policy.Invoke(ctx, policy.Args{
		Hook:       policy.HookError,
		Req:        reqFromContext(rc),
		ErrCode:    rc.ErrCode,
		ErrReason:  rc.ErrReason,
		RestartCnt: rc.Restarts,
	})
	if err != nil {
		return Done, rc.Step, err
	}
	if cerr := policy.CheckVerdict(policy.HookError, verdict); cerr != nil {
		return Done, rc.Step, cerr
	}

	if verdict == policy.VerdictRestart && rc.Restarts < rc.MaxRestarts {
		return More, SRestart, nil
	}

	rc.DoClose = "TX_ERROR"
	rc.WantBody = true
	// The synthetic response rides a transient, unlinked objcore with an
	// empty body, which S-PREPRESP frames and S-DELIVER releases.
	rc.ObjCore = cacheindex.NewObjCore()
	rc.ObjCore.Object = &cacheindex.Object{}
	return More, SPrepResp, nil
}

func statusText(code int) string {
	switch code {
	case 404:
		return "Not Found"
	case 500:
		return "Internal Server Error"
	case 502:
		return "Bad Gateway"
	case 503:
		return "Service Unavailable"
	case 504:
		return "Gateway Timeout"
	default:
		return "Error"
	}
}

// handlePipe is S-PIPE, §4.9.
func (e *Engine) handlePipe(ctx context.Context, rc *RequestContext) (Verdict, State, error) {
	if rc.ESILevel != 0 {
		return Done, rc.Step, fatalf(rc.Step, "S-PIPE entered with esi_level > 0")
	}
	if e.PipeDialer == nil || rc.ClientConn == nil || rc.Director == nil {
		rc.ErrCode = 503
		rc.ErrReason = "pipe transport unavailable"
		return More, SError, nil
	}

	verdict, err := e.Policy.Invoke(ctx, policy.Args{Hook: policy.HookPipe, Req: reqFromContext(rc)})
	if err != nil {
		return Done, rc.Step, err
	}
	if cerr := policy.CheckVerdict(policy.HookPipe, verdict); cerr != nil {
		return Done, rc.Step, cerr
	}
	if verdict != policy.VerdictPipe {
		// hook.pipe returning ERROR is marked unimplemented by the
		// reference (INCOMPL()); treat it as a programmer-bug-class
		// fatal rather than silently degrading to a synthetic error.
		return Done, rc.Step, fatalf(rc.Step, "hook.pipe returned ERROR, which is unimplemented")
	}

	backendConn, err := e.PipeDialer(rc.Director)
	if err != nil {
		rc.ErrCode = 502
		rc.ErrReason = "pipe dial failed"
		return More, SError, nil
	}
	rc.Acct.Pipe++
	pipe.Shuttle(rc.ClientConn, backendConn)
	return Done, rc.Step, nil
}

// handlePurge is S-PURGE, §4.10.
func (e *Engine) handlePurge(ctx context.Context, rc *RequestContext) (Verdict, State, error) {
	if rc.Digest == ([32]byte{}) {
		// A PURGE-method request enters here directly, skipping S-RECV, so
		// its key is hashed here the same way S-RECV hashes it.
		h := sha256.New()
		hv, err := e.Policy.Invoke(ctx, policy.Args{Hook: policy.HookHash, Req: reqFromContext(rc), KeyWriter: func(s string) { h.Write([]byte(s)) }})
		if err != nil {
			return Done, rc.Step, err
		}
		if hv != policy.VerdictLookup {
			return Done, rc.Step, fatalf(rc.Step, "hook.hash returned %s, want LOOKUP", hv)
		}
		copy(rc.Digest[:], h.Sum(nil))
	}

	result := e.Index.Lookup(ctx, rc.Digest, true, true)
	if result.Outcome == cacheindex.OutcomeBusy {
		// Same suspension contract as S-LOOKUP: wait for the in-progress
		// build to settle before invalidating the key it's populating.
		rc.waitCh = result.Wait
		return Disembark, SPurge, nil
	}
	if result.Outcome == cacheindex.OutcomeMiss {
		e.Index.Purge(result.Miss)
		e.Index.Drop(result.Miss)
	}

	verdict, err := e.Policy.Invoke(ctx, policy.Args{Hook: policy.HookPurge, Req: reqFromContext(rc)})
	if err != nil {
		return Done, rc.Step, err
	}
	if cerr := policy.CheckVerdict(policy.HookPurge, verdict); cerr != nil {
		return Done, rc.Step, cerr
	}

	rc.ErrCode = 200
	rc.ErrReason = "Purged"
	return More, SError, nil
}

// handleRestart is S-RESTART, §4.11.
func (e *Engine) handleRestart(ctx context.Context, rc *RequestContext) (Verdict, State, error) {
	rc.Restarts++
	if e.Metrics != nil {
		e.Metrics.Restarts.Inc()
	}
	if rc.Restarts >= rc.MaxRestarts {
		rc.ErrCode = 503
		rc.Director = nil
		return More, SError, nil
	}
	rc.ErrCode = 0
	rc.Director = nil
	return More, SRecv, nil
}
