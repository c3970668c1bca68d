// Package obslog formats the FSM's per-state debug trace line and wires
// slog handlers the way cmd/api does: package-level slog calls, no
// bespoke logger type.
package obslog

import (
	"log/slog"
	"os"
	"sync"
)

// hub fans out trace lines to admin-surface subscribers (the live
// /admin/trace websocket). Kept package-level since Trace is called from
// deep inside the dispatch loop with no reference to an admin server.
var hub = struct {
	mu   sync.Mutex
	subs map[chan string]struct{}
}{subs: make(map[chan string]struct{})}

// Subscribe registers for future trace lines. The returned func
// unregisters the channel (it neither closes nor drains it); callers must
// call it when done.
func Subscribe(bufSize int) (<-chan string, func()) {
	ch := make(chan string, bufSize)
	hub.mu.Lock()
	hub.subs[ch] = struct{}{}
	hub.mu.Unlock()
	return ch, func() {
		hub.mu.Lock()
		delete(hub.subs, ch)
		hub.mu.Unlock()
	}
}

func publish(line string) {
	hub.mu.Lock()
	defer hub.mu.Unlock()
	for ch := range hub.subs {
		select {
		case ch <- line:
		default:
		}
	}
}

// Init configures the default slog logger. jsonOutput selects
// slog.NewJSONHandler for production; otherwise a human-readable text
// handler is used, matching local-dev output from the teacher's services.
func Init(debug bool, jsonOutput bool) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if jsonOutput {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// StateTrace renders the literal "STP_<STATE> sp <id> obj <id> vcl <id>"
// debug line format, substituting the request id, object-core id, and
// policy-engine id for the reference implementation's raw pointers.
func StateTrace(state, sessionID, objID, policyID string) string {
	if objID == "" {
		objID = "-"
	}
	if policyID == "" {
		policyID = "-"
	}
	return "STP_" + state + " sp " + sessionID + " obj " + objID + " vcl " + policyID
}

// Trace emits the debug trace line for state entry, gated by a debug flag
// the caller has already checked — this function always emits, keeping
// the gating decision in one place (the dispatch loop).
func Trace(state, sessionID, objID, policyID string) {
	line := StateTrace(state, sessionID, objID, policyID)
	slog.Debug(line, "state", state, "request_id", sessionID)
	publish(line)
}

// HitForPass logs the hit-for-pass debug line, mirroring the reference's
// "Debug (HIT-FOR-PASS)" record.
func HitForPass(sessionID, digest string) {
	slog.Debug("Debug (HIT-FOR-PASS)", "request_id", sessionID, "digest", digest)
}

// Miss logs the miss debug line, mirroring "Debug (MISS)".
func Miss(sessionID, digest string) {
	slog.Debug("Debug (MISS)", "request_id", sessionID, "digest", digest)
}

// Hit logs a cache hit at info level with the matched objcore id.
func Hit(sessionID, objcoreID string) {
	slog.Info("Hit", "request_id", sessionID, "objcore", objcoreID)
}
