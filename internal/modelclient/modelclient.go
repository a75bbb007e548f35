// Package modelclient defines the calling contract for the three remote
// models: the two tiers the perception-action loop drives (C5) — the fast
// Tier 1 reasoning model over the interactive element index and the Tier 2
// vision model over AX tree + screenshot — and the planner model that produces a
// sequential subtask plan for the decomposer (C6). This package defines
// the interfaces, an HTTP-backed implementation of each, and a
// deterministic in-memory fake for tests.
package modelclient

import (
	"context"

	"github.com/ghosttab/orchestrator/internal/driver"
)

// Tier1Request is the fast-path reasoning call: the interactive element
// index plus the task intent and prior step history. When the caller has
// the compact codec enabled (§6 use_toon_encoding), InteractiveElements is
// left empty and InteractiveElementsEncoded carries the legend+tuple
// encoding instead; exactly one of the two is populated.
type Tier1Request struct {
	Intent                     string
	InteractiveElements        []driver.AXNode
	InteractiveElementsEncoded string
	PriorSteps                 []string
	NoProgressStreak           int
}

// Tier1Response carries the selected action and the model's confidence
// in it, per §4.5 step 3.
type Tier1Response struct {
	Action     driver.Action
	Confidence float64
	Reasoning  string
}

// Tier2Request is the vision call: full AX tree, a viewport screenshot,
// and scroll context. As with Tier1Request, AXTree and AXTreeEncoded are
// mutually exclusive, selected by use_toon_encoding.
type Tier2Request struct {
	Intent         string
	AXTree         []driver.AXNode
	AXTreeEncoded  string
	Screenshot     driver.Screenshot
	ScrollY        int
	ViewportHeight int
	DocumentHeight int
}

// Tier2Response carries the selected action. Tier 2 actions are always
// executable (§4.5 step 7) — there is no confidence gate at this tier.
type Tier2Response struct {
	Action    driver.Action
	Reasoning string
}

// Verification names a post-subtask check the decomposer runs before
// advancing the checkpoint.
type Verification struct {
	Type      string
	Condition string
}

// PlannedSubtask is one entry of a planner model's sequential plan.
type PlannedSubtask struct {
	Intent       string
	Verification Verification
}

// PlanRequest asks the planner model to decompose an intent that implies
// more than two steps into an ordered subtask list.
type PlanRequest struct {
	Intent   string
	StartURL string
}

// Tier1Client is the fast reasoning model client.
type Tier1Client interface {
	Infer(ctx context.Context, req Tier1Request) (Tier1Response, error)
}

// Tier2Client is the vision model client.
type Tier2Client interface {
	Infer(ctx context.Context, req Tier2Request) (Tier2Response, error)
}

// PlannerClient produces a sequential subtask plan.
type PlannerClient interface {
	Plan(ctx context.Context, req PlanRequest) ([]PlannedSubtask, error)
}
