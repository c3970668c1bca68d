package fsm

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ocx/cacheproxy/internal/cacheindex"
	"github.com/ocx/cacheproxy/internal/director"
	"github.com/ocx/cacheproxy/internal/fetch"
	"github.com/ocx/cacheproxy/internal/policy"
)

// outBody drains an Out's body reader, which scenario tests otherwise
// can't compare directly since it's framed as an io.Reader.
func outBody(t *testing.T, rc *RequestContext) string {
	t.Helper()
	if rc.Out == nil || rc.Out.Body == nil {
		return ""
	}
	b, err := io.ReadAll(rc.Out.Body)
	if err != nil {
		t.Fatalf("reading response body: %v", err)
	}
	return string(b)
}

// newTestEngine wires a bare Engine against a real httptest backend, the
// same collaborators cmd/proxy assembles, minus metrics/ledger/redis.
func newTestEngine(t *testing.T, backend http.HandlerFunc) (*Engine, func()) {
	t.Helper()
	srv := httptest.NewServer(backend)
	dir := director.New("test", []string{srv.URL}, time.Second, 5*time.Second)
	return &Engine{
		Index:    cacheindex.New(),
		Policy:   policy.NewLocalPolicyEngine(),
		Director: dir,
		Fetch:    fetch.NewWorker(),
	}, srv.Close
}

func newRequest(method, url string) *RequestContext {
	return NewRequestContext(method, url, "HTTP/1.1", make(http.Header), 5, 4096)
}

// Scenario 1: a cold request to an unseen URL runs MISS -> FETCH ->
// PREPRESP -> DELIVER and comes back with the backend's body.
func TestScenario_ColdMissFetchDeliver(t *testing.T) {
	engine, closeSrv := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("origin body"))
	})
	defer closeSrv()

	rc := newRequest(http.MethodGet, "/widget")
	verdict, err := engine.Run(context.Background(), rc)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if verdict != Done {
		t.Fatalf("want Done, got %s", verdict)
	}
	if rc.RespStatus != 200 {
		t.Fatalf("want status 200, got %d", rc.RespStatus)
	}
	if rc.Out == nil || outBody(t, rc) != "origin body" {
		t.Fatalf("want body %q, got %+v", "origin body", rc.Out)
	}
	if rc.Acct.Fetch != 1 {
		t.Fatalf("want one accounted fetch, got %d", rc.Acct.Fetch)
	}
}

// Scenario 2: a second request to the same URL after the first populated
// the index is served as a hit, without touching the backend again.
func TestScenario_WarmHit(t *testing.T) {
	fetches := 0
	engine, closeSrv := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
		fetches++
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("cacheable body"))
	})
	defer closeSrv()

	first := newRequest(http.MethodGet, "/widget")
	if _, err := engine.Run(context.Background(), first); err != nil {
		t.Fatalf("first Run returned error: %v", err)
	}

	second := newRequest(http.MethodGet, "/widget")
	verdict, err := engine.Run(context.Background(), second)
	if err != nil {
		t.Fatalf("second Run returned error: %v", err)
	}
	if verdict != Done {
		t.Fatalf("want Done, got %s", verdict)
	}
	if outBody(t, second) != "cacheable body" {
		t.Fatalf("want cached body, got %+v", second.Out)
	}
	if second.Acct.Fetch != 0 {
		t.Fatalf("want zero fetches accounted on the hit, got %d", second.Acct.Fetch)
	}
	if fetches != 1 {
		t.Fatalf("want the backend hit exactly once, got %d", fetches)
	}
}

// Scenario 3: two requests racing on the same key. The second arrives
// while the first's fetch is still in flight and must disembark, then
// resume once the first promotes the object.
func TestScenario_BusyCollision(t *testing.T) {
	release := make(chan struct{})
	engine, closeSrv := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("slow body"))
	})
	defer closeSrv()

	first := newRequest(http.MethodGet, "/slow")
	firstDone := make(chan struct{})
	go func() {
		defer close(firstDone)
		if _, err := engine.Run(context.Background(), first); err != nil {
			t.Errorf("first Run returned error: %v", err)
		}
	}()

	// Give the first request time to reach S-FETCH and register its
	// busy objcore before the second one looks the key up.
	time.Sleep(50 * time.Millisecond)

	second := newRequest(http.MethodGet, "/slow")
	verdict, err := engine.Run(context.Background(), second)
	if err != nil {
		t.Fatalf("second Run returned error: %v", err)
	}
	if verdict != Disembark {
		t.Fatalf("want Disembark on busy collision, got %s", verdict)
	}

	waitCh := second.WaitChannel()
	close(release)
	<-firstDone

	select {
	case <-waitCh:
	case <-time.After(time.Second):
		t.Fatal("second request's waiter never woke")
	}

	verdict, err = engine.Run(context.Background(), second)
	if err != nil {
		t.Fatalf("resumed Run returned error: %v", err)
	}
	if verdict != Done {
		t.Fatalf("want Done after resume, got %s", verdict)
	}
	if outBody(t, second) != "slow body" {
		t.Fatalf("want body from the first request's fetch, got %+v", second.Out)
	}
}

// Scenario 4: a policy that routes every request straight to PASS never
// consults or populates the cache index.
func TestScenario_Pass(t *testing.T) {
	engine, closeSrv := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("uncacheable"))
	})
	defer closeSrv()

	local := engine.Policy.(*policy.LocalPolicyEngine)
	local.Set(policy.HookRecv, func(ctx context.Context, args policy.Args) (policy.Verdict, error) {
		return policy.VerdictPass, nil
	})

	rc := newRequest(http.MethodGet, "/uncacheable")
	verdict, err := engine.Run(context.Background(), rc)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if verdict != Done {
		t.Fatalf("want Done, got %s", verdict)
	}
	if rc.Acct.Pass != 1 {
		t.Fatalf("want one accounted pass, got %d", rc.Acct.Pass)
	}
	if outBody(t, rc) != "uncacheable" {
		t.Fatalf("want passed-through body, got %+v", rc.Out)
	}

	buckets, _ := engine.Index.Stats()
	if buckets != 0 {
		t.Fatalf("want the index untouched by a pass, got %d buckets", buckets)
	}
}

// Scenario 5: hook.deliver restarts the request once, then lets it
// through; the second pass around RECV must see a fresh director pick
// and land on DELIVER without restarting again.
func TestScenario_RestartFromDeliver(t *testing.T) {
	engine, closeSrv := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("retried body"))
	})
	defer closeSrv()

	local := engine.Policy.(*policy.LocalPolicyEngine)
	seenDeliver := 0
	local.Set(policy.HookDeliver, func(ctx context.Context, args policy.Args) (policy.Verdict, error) {
		seenDeliver++
		if seenDeliver == 1 {
			return policy.VerdictRestart, nil
		}
		return policy.VerdictDeliver, nil
	})

	rc := newRequest(http.MethodGet, "/flaky")
	verdict, err := engine.Run(context.Background(), rc)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if verdict != Done {
		t.Fatalf("want Done, got %s", verdict)
	}
	if seenDeliver != 2 {
		t.Fatalf("want hook.deliver invoked twice (once to restart, once to deliver), got %d", seenDeliver)
	}
	if outBody(t, rc) != "retried body" {
		t.Fatalf("want the backend body delivered after the restart, got %+v", rc.Out)
	}
}

// Scenario: hook.recv routing to PIPE must hand control back to the
// caller (DISEMBARK) so it can hijack the wire connection before S-PIPE
// shuttles bytes; resuming with ClientConn set drives it to completion.
func TestScenario_Pipe(t *testing.T) {
	clientLocal, clientRemote := net.Pipe()
	backendLocal, backendRemote := net.Pipe()
	defer clientRemote.Close()
	defer backendRemote.Close()

	engine, closeSrv := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {})
	defer closeSrv()
	engine.PipeDialer = func(b *director.Backend) (net.Conn, error) { return backendLocal, nil }

	local := engine.Policy.(*policy.LocalPolicyEngine)
	local.Set(policy.HookRecv, func(ctx context.Context, args policy.Args) (policy.Verdict, error) {
		return policy.VerdictPipe, nil
	})

	rc := newRequest(http.MethodGet, "/pipe")
	verdict, err := engine.Run(context.Background(), rc)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if verdict != Disembark {
		t.Fatalf("want Disembark awaiting a connection hijack, got %s", verdict)
	}
	if rc.Step != SPipe {
		t.Fatalf("want parked at SPipe, got %s", rc.Step)
	}

	rc.ClientConn = clientLocal

	done := make(chan struct{})
	go func() {
		defer close(done)
		verdict, err = engine.Run(context.Background(), rc)
	}()

	go func() { clientRemote.Write([]byte("ping")) }()
	buf := make([]byte, 4)
	if _, rerr := io.ReadFull(backendRemote, buf); rerr != nil {
		t.Fatalf("backend side never saw the shuttled bytes: %v", rerr)
	}
	if string(buf) != "ping" {
		t.Fatalf("want %q shuttled to the backend, got %q", "ping", buf)
	}

	clientRemote.Close()
	backendRemote.Close()
	<-done

	if err != nil {
		t.Fatalf("pipe Run returned error: %v", err)
	}
	if verdict != Done {
		t.Fatalf("want Done once the shuttle unwinds, got %s", verdict)
	}
	if rc.Acct.Pipe != 1 {
		t.Fatalf("want one accounted pipe, got %d", rc.Acct.Pipe)
	}
}

// Scenario 7: hook.lookup returning FETCH on a hit (grace) serves the
// stale copy immediately and refreshes the key in the background; a
// request made after the refresh completes sees the new body without
// ever having blocked on it.
func TestScenario_GraceBackgroundRefresh(t *testing.T) {
	var fetches int32
	refreshed := make(chan struct{})
	engine, closeSrv := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&fetches, 1)
		w.WriteHeader(http.StatusOK)
		if n == 1 {
			w.Write([]byte("stale body"))
			return
		}
		w.Write([]byte("refreshed body"))
		close(refreshed)
	})
	defer closeSrv()

	warm := newRequest(http.MethodGet, "/grace")
	if _, err := engine.Run(context.Background(), warm); err != nil {
		t.Fatalf("warm Run returned error: %v", err)
	}

	local := engine.Policy.(*policy.LocalPolicyEngine)
	local.Set(policy.HookLookup, func(ctx context.Context, args policy.Args) (policy.Verdict, error) {
		return policy.VerdictFetch, nil
	})

	second := newRequest(http.MethodGet, "/grace")
	verdict, err := engine.Run(context.Background(), second)
	if err != nil {
		t.Fatalf("second Run returned error: %v", err)
	}
	if verdict != Done {
		t.Fatalf("want Done, got %s", verdict)
	}
	if outBody(t, second) != "stale body" {
		t.Fatalf("want the stale hit served without waiting on the refresh, got %+v", second.Out)
	}

	select {
	case <-refreshed:
	case <-time.After(time.Second):
		t.Fatal("background refresh never reached the backend a second time")
	}

	// Give the refresh goroutine time to promote before the next lookup.
	deadline := time.After(time.Second)
	for {
		local.Set(policy.HookLookup, func(ctx context.Context, args policy.Args) (policy.Verdict, error) {
			return policy.VerdictDeliver, nil
		})
		third := newRequest(http.MethodGet, "/grace")
		if _, err := engine.Run(context.Background(), third); err != nil {
			t.Fatalf("third Run returned error: %v", err)
		}
		if outBody(t, third) == "refreshed body" {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("want the refreshed body eventually promoted into the index, last saw %q", outBody(t, third))
		case <-time.After(10 * time.Millisecond):
		}
	}
	if atomic.LoadInt32(&fetches) != 2 {
		t.Fatalf("want exactly two backend fetches (warm + one background refresh), got %d", fetches)
	}
}

// Scenario 8: PURGE drops a cached entry and the next GET misses again.
func TestScenario_Purge(t *testing.T) {
	fetches := 0
	engine, closeSrv := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
		fetches++
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("purgeable body"))
	})
	defer closeSrv()

	warm := newRequest(http.MethodGet, "/doomed")
	if _, err := engine.Run(context.Background(), warm); err != nil {
		t.Fatalf("warm Run returned error: %v", err)
	}

	purge := newRequest("PURGE", "/doomed")
	purge.Step = SPurge
	verdict, err := engine.Run(context.Background(), purge)
	if err != nil {
		t.Fatalf("purge Run returned error: %v", err)
	}
	if verdict != Done {
		t.Fatalf("want Done, got %s", verdict)
	}
	if purge.RespStatus != 200 {
		t.Fatalf("want purge status 200, got %d", purge.RespStatus)
	}

	again := newRequest(http.MethodGet, "/doomed")
	if _, err := engine.Run(context.Background(), again); err != nil {
		t.Fatalf("post-purge Run returned error: %v", err)
	}
	if fetches != 2 {
		t.Fatalf("want the backend re-fetched after purge, got %d calls", fetches)
	}
}
