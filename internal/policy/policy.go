// Package policy defines the hook invocation ABI the FSM calls into at each
// labelled hook point, and the verdict vocabulary those hooks return.
//
// Only the ABI matters to the FSM — what evaluates it (an embedded VCL-style
// interpreter, a remote service, a table of Go closures for tests) is an
// implementation detail behind the PolicyEngine interface.
package policy

import (
	"context"
	"fmt"
)

// Verdict is the fixed set of outcomes a hook may return. A verdict outside
// the set accepted at a given hook is a programmer bug, not a recoverable
// error — see acceptedVerdicts and CheckVerdict.
type Verdict int

const (
	VerdictNone Verdict = iota
	VerdictLookup
	VerdictHash
	VerdictPass
	VerdictPipe
	VerdictPurge
	VerdictFetch
	VerdictDeliver
	VerdictRestart
	VerdictError
)

func (v Verdict) String() string {
	switch v {
	case VerdictLookup:
		return "LOOKUP"
	case VerdictHash:
		return "HASH"
	case VerdictPass:
		return "PASS"
	case VerdictPipe:
		return "PIPE"
	case VerdictPurge:
		return "PURGE"
	case VerdictFetch:
		return "FETCH"
	case VerdictDeliver:
		return "DELIVER"
	case VerdictRestart:
		return "RESTART"
	case VerdictError:
		return "ERROR"
	default:
		return "NONE"
	}
}

// Hook names the labelled policy evaluation points the FSM invokes.
type Hook string

const (
	HookRecv    Hook = "recv"
	HookHash    Hook = "hash"
	HookLookup  Hook = "lookup"
	HookMiss    Hook = "miss"
	HookPass    Hook = "pass"
	HookPipe    Hook = "pipe"
	HookDeliver Hook = "deliver"
	HookError   Hook = "error"
	HookPurge   Hook = "purge"
)

// Args is what a hook invocation receives. Resp and KeyWriter are optional
// depending on the hook (e.g. only HookHash uses KeyWriter).
type Args struct {
	Hook       Hook
	Req        *HTTPRequest
	Resp       *HTTPResponse
	KeyWriter  func(s string) // HSH_AddString-equivalent, used only by hash
	ErrCode    int
	ErrReason  string
	RestartCnt int
}

// HTTPRequest is the minimal request surface the policy layer needs. The
// wire parser that builds one is out of scope for this module.
type HTTPRequest struct {
	Method  string
	URL     string
	Headers map[string]string
}

// HTTPResponse is the minimal response surface a deliver/error hook may
// mutate (e.g. set a header on the synthetic response).
type HTTPResponse struct {
	Headers map[string]string
}

// PolicyEngine invokes the hook ABI. Implementations: LocalPolicyEngine
// (in-process callback table) and RemotePolicyEngine (gRPC).
type PolicyEngine interface {
	Invoke(ctx context.Context, args Args) (Verdict, error)
	Close() error
}

// FatalVerdictError marks a verdict outside the set a given hook accepts —
// a programmer bug in the policy program, not a recoverable runtime fault.
type FatalVerdictError struct {
	Hook    Hook
	Verdict Verdict
}

func (e *FatalVerdictError) Error() string {
	return fmt.Sprintf("policy: illegal verdict %s returned from hook %q", e.Verdict, e.Hook)
}

// acceptedVerdicts enumerates the verdict set each hook may legally return.
var acceptedVerdicts = map[Hook][]Verdict{
	HookRecv:    {VerdictPurge, VerdictHash, VerdictPipe, VerdictPass, VerdictError},
	HookHash:    {VerdictLookup},
	HookLookup:  {VerdictDeliver, VerdictFetch, VerdictPass, VerdictRestart, VerdictError},
	HookMiss:    {VerdictFetch, VerdictError, VerdictRestart, VerdictPass},
	HookPass:    {VerdictFetch, VerdictError, VerdictRestart},
	HookPipe:    {VerdictPipe, VerdictError},
	HookDeliver: {VerdictDeliver, VerdictRestart},
	HookError:   {VerdictDeliver, VerdictRestart},
	HookPurge:   {VerdictDeliver},
}

// CheckVerdict validates that v is legal for hook, returning a
// *FatalVerdictError otherwise.
func CheckVerdict(hook Hook, v Verdict) error {
	for _, ok := range acceptedVerdicts[hook] {
		if ok == v {
			return nil
		}
	}
	return &FatalVerdictError{Hook: hook, Verdict: v}
}
