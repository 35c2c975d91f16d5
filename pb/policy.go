// Package pb holds the gate's hand-written wire stubs for the remote
// policy evaluator transport, in the same non-protoc-generated style the
// teacher used for its own service stubs: plain, untagged Go structs for
// the messages, a client interface, a server interface with an
// Unimplemented embed for forward-compatible servers, and a mock client
// for tests that never dial a real connection.
package pb

import (
	"context"

	"google.golang.org/grpc"
)

// OrderProto is the wire form of an order evaluated by the remote policy
// service.
type OrderProto struct {
	ClientOrderId string
	ClientId      string
	Symbol        string
	Side          string
	Qty           float64
	Price         float64
}

// ExposureProto is the wire form of a client's current exposure state,
// sent alongside the order so the remote evaluator can apply exposure-
// dependent rules without a separate round trip.
type ExposureProto struct {
	ClientId        string
	GrossExposure   float64
	NetExposure     float64
	PendingExposure float64
	MaxGross        float64
	MaxNet          float64
	MaxSingleOrder  float64
	MaxSymbol       float64
}

// EvaluateRequest is the remote PolicyService.Evaluate RPC's request
// message.
type EvaluateRequest struct {
	TraceId  string
	Order    *OrderProto
	Exposure *ExposureProto
}

// EvaluateResponse is the remote PolicyService.Evaluate RPC's response
// message.
type EvaluateResponse struct {
	Decision           string
	ReasonCode         string
	RuleId             string
	PolicyVersion      string
	PolicySnapshotHash string
}

// PolicyServiceClient is the client side of the remote policy evaluator
// RPC.
type PolicyServiceClient interface {
	Evaluate(ctx context.Context, in *EvaluateRequest, opts ...grpc.CallOption) (*EvaluateResponse, error)
}

// PolicyServiceServer is the server side of the remote policy evaluator
// RPC; a real server embeds UnimplementedPolicyServiceServer for
// forward-compatibility with future RPCs added to this service.
type PolicyServiceServer interface {
	Evaluate(ctx context.Context, in *EvaluateRequest) (*EvaluateResponse, error)
	mustEmbedUnimplementedPolicyServiceServer()
}

// UnimplementedPolicyServiceServer must be embedded by every
// PolicyServiceServer implementation.
type UnimplementedPolicyServiceServer struct{}

func (UnimplementedPolicyServiceServer) Evaluate(ctx context.Context, in *EvaluateRequest) (*EvaluateResponse, error) {
	return nil, grpcUnimplemented("Evaluate")
}
func (UnimplementedPolicyServiceServer) mustEmbedUnimplementedPolicyServiceServer() {}

func grpcUnimplemented(method string) error {
	return &unimplementedError{method: method}
}

type unimplementedError struct{ method string }

func (e *unimplementedError) Error() string {
	return "pb: method " + e.method + " not implemented"
}

// policyServiceClient is the concrete grpc.ClientConn-backed client.
type policyServiceClient struct {
	cc *grpc.ClientConn
}

// NewPolicyServiceClient wraps a dialed connection as a PolicyServiceClient.
func NewPolicyServiceClient(cc *grpc.ClientConn) PolicyServiceClient {
	return &policyServiceClient{cc: cc}
}

func (c *policyServiceClient) Evaluate(ctx context.Context, in *EvaluateRequest, opts ...grpc.CallOption) (*EvaluateResponse, error) {
	out := new(EvaluateResponse)
	err := c.cc.Invoke(ctx, "/gate.policy.v1.PolicyService/Evaluate", in, out, opts...)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// MockPolicyServiceClient is a test double that returns a fixed response
// (or error) without dialing anything, mirroring the teacher's
// MockLedgerClient pattern.
type MockPolicyServiceClient struct {
	Response *EvaluateResponse
	Err      error
}

func (m *MockPolicyServiceClient) Evaluate(ctx context.Context, in *EvaluateRequest, opts ...grpc.CallOption) (*EvaluateResponse, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	return m.Response, nil
}
