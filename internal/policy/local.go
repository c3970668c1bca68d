package policy

import (
	"context"
	"sync"
)

// HookFunc is a single hook's callback body, as installed on a
// LocalPolicyEngine.
type HookFunc func(ctx context.Context, args Args) (Verdict, error)

// LocalPolicyEngine evaluates hooks via an in-process table of Go closures.
// Used for unit/scenario tests and for deployments simple enough not to
// need a separately-deployed policy service.
type LocalPolicyEngine struct {
	mu    sync.RWMutex
	hooks map[Hook]HookFunc
}

// NewLocalPolicyEngine creates an engine with no hooks installed; every
// hook falls back to the built-in verdict from defaultVerdict unless Set
// is called.
func NewLocalPolicyEngine() *LocalPolicyEngine {
	return &LocalPolicyEngine{hooks: make(map[Hook]HookFunc)}
}

// Set installs (or replaces) the callback for a hook.
func (e *LocalPolicyEngine) Set(hook Hook, fn HookFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hooks[hook] = fn
}

// Invoke runs the installed callback for args.Hook, defaulting to a
// conservative built-in when none was installed.
func (e *LocalPolicyEngine) Invoke(ctx context.Context, args Args) (Verdict, error) {
	e.mu.RLock()
	fn, ok := e.hooks[args.Hook]
	e.mu.RUnlock()
	if ok {
		return fn(ctx, args)
	}
	if args.Hook == HookHash && args.KeyWriter != nil && args.Req != nil {
		// Built-in hash key: the request URL.
		args.KeyWriter(args.Req.URL)
	}
	return defaultVerdict(args.Hook), nil
}

// Close is a no-op for the local engine.
func (e *LocalPolicyEngine) Close() error { return nil }

// defaultVerdict gives every hook a sane default so a LocalPolicyEngine
// with nothing configured still drives a request cold-miss-then-deliver.
func defaultVerdict(hook Hook) Verdict {
	switch hook {
	case HookRecv:
		return VerdictHash
	case HookHash:
		return VerdictLookup
	case HookLookup:
		return VerdictDeliver
	case HookMiss:
		return VerdictFetch
	case HookPass:
		return VerdictFetch
	case HookPipe:
		return VerdictPipe
	case HookDeliver:
		return VerdictDeliver
	case HookError:
		return VerdictDeliver
	case HookPurge:
		return VerdictDeliver
	default:
		return VerdictNone
	}
}
