package policy

import (
	"context"
	"fmt"

	"github.com/ironclad/gate/pb"
)

// RemoteEvaluator calls an out-of-process policy service over gRPC instead
// of evaluating a locally-loaded bundle. It satisfies the same Service
// interface as Evaluator so internal/gate can use either without caring
// which.
type RemoteEvaluator struct {
	client pb.PolicyServiceClient
}

// NewRemoteEvaluator wraps an already-dialed client.
func NewRemoteEvaluator(client pb.PolicyServiceClient) *RemoteEvaluator {
	return &RemoteEvaluator{client: client}
}

// Evaluate sends order and exposure to the remote policy service and maps
// its response back onto this package's Result type.
func (r *RemoteEvaluator) Evaluate(order Order, exposure ExposureContext) (Result, error) {
	req := &pb.EvaluateRequest{
		Order: &pb.OrderProto{
			ClientOrderId: order.ClientOrderID,
			Symbol:        order.Symbol,
			Side:          order.Side,
			Qty:           order.Qty,
			Price:         order.Price,
		},
		Exposure: &pb.ExposureProto{
			ClientId:        exposure.ClientID,
			GrossExposure:   exposure.GrossExposure,
			NetExposure:     exposure.NetExposure,
			PendingExposure: exposure.PendingExposure,
			MaxGross:        exposure.MaxGross,
			MaxNet:          exposure.MaxNet,
			MaxSingleOrder:  exposure.MaxSingleOrder,
			MaxSymbol:       exposure.MaxSymbol,
		},
	}

	resp, err := r.client.Evaluate(context.Background(), req)
	if err != nil {
		return Result{}, fmt.Errorf("policy: remote evaluate: %w", err)
	}

	return Result{
		Decision:           Decision(resp.Decision),
		ReasonCode:         resp.ReasonCode,
		RuleID:             resp.RuleId,
		PolicyVersion:      resp.PolicyVersion,
		PolicySnapshotHash: resp.PolicySnapshotHash,
	}, nil
}
