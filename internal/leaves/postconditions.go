package leaves

import (
	"fmt"

	"github.com/kilroy-control/plane/internal/leaf"
	"github.com/kilroy-control/plane/internal/worldapi"
)

// Postconditions sample actuator state after a mutating leaf returns and
// report disagreement between observed state and intent. The executor
// converts a non-nil error into postcondition_failed:<op>, which is
// non-retryable: a desync will not heal by re-running the same step.

// EquipPostcondition verifies the requested item actually ended up in the
// requested slot.
func (c *Catalog) EquipPostcondition(ctx leaf.Context, args map[string]any, result any) error {
	item := argString(args, "item")
	slot := worldapi.Slot(argString(args, "slot"))
	if slot == "" {
		slot = worldapi.SlotHand
	}
	held, ok := c.World.HeldItem(slot)
	if !ok || held.Name != item {
		return fmt.Errorf("slot %s holds %q, wanted %q", slot, held.Name, item)
	}
	return nil
}

// PlacePostcondition verifies a block now exists at ref.position + face.
func (c *Catalog) PlacePostcondition(ctx leaf.Context, args map[string]any, result any) error {
	refPos, okRef := argVec(args, "ref")
	face, okFace := argVec(args, "face")
	if !okRef || !okFace {
		return fmt.Errorf("missing ref/face args")
	}
	target := refPos.Add(face)
	block := c.World.BlockAt(target)
	if block.Type == "" || block.Type == "air" {
		return fmt.Errorf("no block observed at %v after place", target)
	}
	return nil
}

// DigPostcondition verifies the dug position is now empty.
func (c *Catalog) DigPostcondition(ctx leaf.Context, args map[string]any, result any) error {
	pos, ok := argVec(args, "pos")
	if !ok {
		return fmt.Errorf("missing pos arg")
	}
	block := c.World.BlockAt(pos)
	if block.Type != "" && block.Type != "air" {
		return fmt.Errorf("block %q still present at %v after dig", block.Type, pos)
	}
	return nil
}
