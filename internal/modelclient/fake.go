package modelclient

import (
	"context"
	"sync"

	"github.com/ghosttab/orchestrator/internal/driver"
)

// FakeTier1Client returns a scripted sequence of responses, one per call,
// repeating the final entry once the sequence is exhausted — tests
// script exactly the escalation path they want to exercise.
type FakeTier1Client struct {
	mu        sync.Mutex
	Responses []Tier1Response
	Err       error
	calls     int
	Requests  []Tier1Request
}

func NewFakeTier1Client(responses ...Tier1Response) *FakeTier1Client {
	return &FakeTier1Client{Responses: responses}
}

func (f *FakeTier1Client) Infer(_ context.Context, req Tier1Request) (Tier1Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Requests = append(f.Requests, req)
	if f.Err != nil {
		return Tier1Response{}, f.Err
	}
	if len(f.Responses) == 0 {
		return Tier1Response{}, nil
	}
	idx := f.calls
	if idx >= len(f.Responses) {
		idx = len(f.Responses) - 1
	}
	f.calls++
	return f.Responses[idx], nil
}

// FakeTier2Client mirrors FakeTier1Client for the vision tier.
type FakeTier2Client struct {
	mu        sync.Mutex
	Responses []Tier2Response
	Err       error
	calls     int
	Requests  []Tier2Request
}

func NewFakeTier2Client(responses ...Tier2Response) *FakeTier2Client {
	return &FakeTier2Client{Responses: responses}
}

func (f *FakeTier2Client) Infer(_ context.Context, req Tier2Request) (Tier2Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Requests = append(f.Requests, req)
	if f.Err != nil {
		return Tier2Response{}, f.Err
	}
	if len(f.Responses) == 0 {
		return Tier2Response{Action: driver.Action{Kind: driver.ActionDone}}, nil
	}
	idx := f.calls
	if idx >= len(f.Responses) {
		idx = len(f.Responses) - 1
	}
	f.calls++
	return f.Responses[idx], nil
}

// FakePlannerClient returns a fixed subtask plan.
type FakePlannerClient struct {
	Plans []PlannedSubtask
	Err   error
}

func NewFakePlannerClient(plans ...PlannedSubtask) *FakePlannerClient {
	return &FakePlannerClient{Plans: plans}
}

func (f *FakePlannerClient) Plan(_ context.Context, _ PlanRequest) ([]PlannedSubtask, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	return f.Plans, nil
}

var (
	_ Tier1Client   = (*FakeTier1Client)(nil)
	_ Tier2Client   = (*FakeTier2Client)(nil)
	_ PlannerClient = (*FakePlannerClient)(nil)
)
