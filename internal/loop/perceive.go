package loop

import (
	"context"

	"github.com/ghosttab/orchestrator/internal/driver"
)

// refetchReason is the closed set of reasons an AX snapshot is refreshed,
// named in §4.5 step 1.
type refetchReason string

const (
	refetchNone                refetchReason = "NONE"
	refetchInitial              refetchReason = "INITIAL"
	refetchNavigation           refetchReason = "NAVIGATION"
	refetchSignificantMutation  refetchReason = "SIGNIFICANT_DOM_MUTATION"
	refetchScrollAction         refetchReason = "SCROLL_ACTION"
)

var refetchReasons = map[refetchReason]bool{
	refetchInitial:             true,
	refetchNavigation:          true,
	refetchSignificantMutation: true,
	refetchScrollAction:        true,
}

// perception is the cached Tier 1 input for one iteration: the
// interactive element index plus the full normalized tree it was sliced
// from, so Tier 2 can reuse the same snapshot without a second CDP call.
type perception struct {
	interactive []driver.AXNode
	full        []driver.AXNode
	refetched   bool
	reason      refetchReason
}

// perceive refreshes the AX snapshot when reason warrants a refetch (§4.5
// step 1-2); otherwise it returns the previous snapshot unchanged with
// reason NONE.
func perceive(ctx context.Context, d driver.Driver, prev *perception, reason refetchReason, charBudget int) (perception, error) {
	if prev != nil && !refetchReasons[reason] {
		return perception{
			interactive: prev.interactive,
			full:        prev.full,
			refetched:   false,
			reason:      refetchNone,
		}, nil
	}

	full, err := d.GetNormalizedAXTree(ctx, driver.AXTreeOptions{CharBudget: charBudget})
	if err != nil {
		return perception{}, err
	}

	interactive, err := d.ExtractInteractiveElementIndex(ctx, driver.InteractiveIndexOptions{CharBudget: charBudget})
	if err != nil {
		return perception{}, err
	}

	return perception{
		interactive: interactive,
		full:        full,
		refetched:   true,
		reason:      reason,
	}, nil
}
