// Package policypb holds the wire types for the policy-evaluation gRPC
// service, hand-written in the shape protoc would generate rather than
// compiled from a .proto file — mirroring how this codebase hand-rolls
// thin client-plus-message-struct packages for services whose real .proto
// definitions live in a separate repo.
package policypb

import (
	"context"

	"google.golang.org/grpc"
)

// HookRequest is the wire form of a single hook invocation.
type HookRequest struct {
	Hook       string
	Method     string
	URL        string
	Headers    map[string]string
	ErrCode    int32
	ErrReason  string
	RestartCnt int32
}

// HookResponse carries back the policy program's verdict plus any header
// mutations it made on the synthetic response.
type HookResponse struct {
	Verdict       string
	ErrCode       int32
	ErrReason     string
	RespHeaders   map[string]string
	KeyMaterial   []string // HSH_AddString-equivalent fragments, hash hook only
}

// PolicyServiceClient is the hand-rolled equivalent of a protoc-generated
// gRPC client interface.
type PolicyServiceClient interface {
	Evaluate(ctx context.Context, in *HookRequest, opts ...grpc.CallOption) (*HookResponse, error)
}

type policyServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewPolicyServiceClient wraps a grpc.ClientConnInterface the way
// protoc-gen-go-grpc's NewXClient constructors do.
func NewPolicyServiceClient(cc grpc.ClientConnInterface) PolicyServiceClient {
	return &policyServiceClient{cc: cc}
}

func (c *policyServiceClient) Evaluate(ctx context.Context, in *HookRequest, opts ...grpc.CallOption) (*HookResponse, error) {
	out := new(HookResponse)
	err := c.cc.Invoke(ctx, "/ocx.cacheproxy.policy.v1.PolicyService/Evaluate", in, out, opts...)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// MockPolicyServiceClient always permits, used where a real policy
// service isn't available (tests, local dev without the sidecar).
type MockPolicyServiceClient struct {
	Verdict string
}

func (m *MockPolicyServiceClient) Evaluate(ctx context.Context, in *HookRequest, opts ...grpc.CallOption) (*HookResponse, error) {
	v := m.Verdict
	if v == "" {
		v = "DELIVER"
	}
	return &HookResponse{Verdict: v}, nil
}
