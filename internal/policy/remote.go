package policy

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/ocx/cacheproxy/internal/policy/policypb"
)

// RemotePolicyEngine evaluates hooks by calling out to an externally
// deployed policy-evaluation service over gRPC. Grounded on the
// dial-with-fallback pattern used for the jury service: a failed dial at
// startup does not abort the process, it degrades to a local engine.
type RemotePolicyEngine struct {
	client policypb.PolicyServiceClient
	conn   *grpc.ClientConn
	digest func(args Args) []string
}

// NewRemotePolicyEngine dials addr and wraps it in a PolicyEngine. On dial
// failure it returns the error so the caller can fall back to
// NewLocalPolicyEngine, mirroring escrow.NewJuryGRPCClient's contract.
func NewRemotePolicyEngine(addr string, timeout time.Duration) (*RemotePolicyEngine, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	conn, err := grpc.DialContext(ctx, addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	)
	if err != nil {
		return nil, fmt.Errorf("policy: dial %s: %w", addr, err)
	}

	return &RemotePolicyEngine{
		client: policypb.NewPolicyServiceClient(conn),
		conn:   conn,
	}, nil
}

// NewRemotePolicyEngineWithClient injects a client directly — used in tests
// and to wire policypb.MockPolicyServiceClient.
func NewRemotePolicyEngineWithClient(client policypb.PolicyServiceClient) *RemotePolicyEngine {
	return &RemotePolicyEngine{client: client}
}

func (e *RemotePolicyEngine) Invoke(ctx context.Context, args Args) (Verdict, error) {
	req := &policypb.HookRequest{
		Hook:       string(args.Hook),
		ErrCode:    int32(args.ErrCode),
		ErrReason:  args.ErrReason,
		RestartCnt: int32(args.RestartCnt),
	}
	if args.Req != nil {
		req.Method = args.Req.Method
		req.URL = args.Req.URL
		req.Headers = args.Req.Headers
	}

	resp, err := e.client.Evaluate(ctx, req)
	if err != nil {
		return VerdictNone, fmt.Errorf("policy: remote evaluate hook %q: %w", args.Hook, err)
	}

	if args.Hook == HookHash && args.KeyWriter != nil {
		for _, frag := range resp.KeyMaterial {
			args.KeyWriter(frag)
		}
	}
	if args.Resp != nil && resp.RespHeaders != nil {
		if args.Resp.Headers == nil {
			args.Resp.Headers = make(map[string]string, len(resp.RespHeaders))
		}
		for k, v := range resp.RespHeaders {
			args.Resp.Headers[k] = v
		}
	}

	return parseVerdict(resp.Verdict), nil
}

func (e *RemotePolicyEngine) Close() error {
	if e.conn == nil {
		return nil
	}
	return e.conn.Close()
}

func parseVerdict(s string) Verdict {
	switch s {
	case "LOOKUP":
		return VerdictLookup
	case "HASH":
		return VerdictHash
	case "PASS":
		return VerdictPass
	case "PIPE":
		return VerdictPipe
	case "PURGE":
		return VerdictPurge
	case "FETCH":
		return VerdictFetch
	case "DELIVER":
		return VerdictDeliver
	case "RESTART":
		return VerdictRestart
	case "ERROR":
		return VerdictError
	default:
		return VerdictNone
	}
}
