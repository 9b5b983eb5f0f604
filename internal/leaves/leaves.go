// Package leaves is the builtin leaf catalog: the primitive operations the
// control plane ships against the actuator/perception boundary. Each leaf
// carries its input schema, permission set, timeout, and retry budget, and
// is registered into a leaf.Registry at process start.
package leaves

import (
	"fmt"
	"time"

	"github.com/kilroy-control/plane/internal/leaf"
	"github.com/kilroy-control/plane/internal/worldapi"
)

// Catalog registers closures over one world binding.
type Catalog struct {
	World worldapi.Actuator
}

// RegisterAll installs every builtin leaf into reg. It returns the first
// registration error encountered, which in practice only happens when the
// catalog is registered twice into the same registry.
func (c *Catalog) RegisterAll(reg *leaf.Registry) error {
	all := []*leaf.Leaf{
		c.moveTo(),
		c.digBlock(),
		c.placeBlock(),
		c.equipTool(),
		c.senseLight(),
		c.senseEntities(),
		c.chatSay(),
		c.sleepInBed(),
		c.collectItem(),
		c.containerOpen(),
		c.containerTransfer(),
		c.containerClose(),
	}
	for _, l := range all {
		if res := reg.RegisterLeaf(l, nil); !res.OK {
			return fmt.Errorf("register %s@%s: %s", l.Name, l.Version, res.Error)
		}
	}
	return nil
}

func posSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"x": map[string]any{"type": "integer"},
			"y": map[string]any{"type": "integer"},
			"z": map[string]any{"type": "integer"},
		},
		"required": []any{"x", "y", "z"},
	}
}

func argVec(args map[string]any, key string) (worldapi.Vec3, bool) {
	raw, ok := args[key]
	if !ok {
		return worldapi.Vec3{}, false
	}
	m, ok := raw.(map[string]any)
	if !ok {
		return worldapi.Vec3{}, false
	}
	toInt := func(v any) (int, bool) {
		switch n := v.(type) {
		case int:
			return n, true
		case int64:
			return int(n), true
		case float64:
			return int(n), true
		}
		return 0, false
	}
	x, okX := toInt(m["x"])
	y, okY := toInt(m["y"])
	z, okZ := toInt(m["z"])
	if !okX || !okY || !okZ {
		return worldapi.Vec3{}, false
	}
	return worldapi.Vec3{X: x, Y: y, Z: z}, true
}

func argString(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

// moveTo walks the agent toward a target position, polling perception
// until arrival or timeout. Pathfinding itself lives behind the actuator;
// this leaf only drives controls and observes position.
func (c *Catalog) moveTo() *leaf.Leaf {
	return &leaf.Leaf{
		Name:        "move_to",
		Version:     "1.0.0",
		Description: "Walk to a target block position.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"pos": posSchema(),
			},
			"required": []any{"pos"},
		},
		Permissions: []leaf.Permission{leaf.PermMovement},
		TimeoutMs:   30_000,
		Retries:     2,
		Run: func(ctx leaf.Context, args map[string]any) leaf.LeafResult {
			start := ctx.Now()
			target, ok := argVec(args, "pos")
			if !ok {
				return leaf.Failure(leaf.ErrWorldInvalidPosition, false, "pos must be {x,y,z}", metricsSince(ctx, start))
			}
			if err := c.World.LookAt(target); err != nil {
				return leaf.Failure(leaf.ErrPathUnreachable, true, err.Error(), metricsSince(ctx, start))
			}
			if err := c.World.SetControl(worldapi.ControlForward, true); err != nil {
				return leaf.Failure(leaf.ErrPathStuck, true, err.Error(), metricsSince(ctx, start))
			}
			defer func() { _ = c.World.SetControl(worldapi.ControlForward, false) }()

			deadline := start + 30_000
			last := c.World.Position()
			for {
				if c.World.Position() == target {
					return leaf.Success(map[string]any{"pos": target}, metricsSince(ctx, start))
				}
				select {
				case <-ctx.Abort():
					return leaf.Failure(leaf.ErrAborted, false, "aborted during move", metricsSince(ctx, start))
				case <-time.After(50 * time.Millisecond):
				}
				now := ctx.Now()
				if now >= deadline {
					m := metricsSince(ctx, start)
					m.Timeouts++
					if c.World.Position() == last {
						return leaf.Failure(leaf.ErrPathStuck, true, "no progress before timeout", m)
					}
					return leaf.Failure(leaf.ErrMovementTimeout, true, "did not arrive before timeout", m)
				}
				last = c.World.Position()
			}
		},
	}
}

func (c *Catalog) digBlock() *leaf.Leaf {
	return &leaf.Leaf{
		Name:        "dig_block",
		Version:     "1.0.0",
		Description: "Dig the block at a position.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"pos": posSchema(),
			},
			"required": []any{"pos"},
		},
		Permissions: []leaf.Permission{leaf.PermDig},
		TimeoutMs:   15_000,
		Retries:     1,
		Run: func(ctx leaf.Context, args map[string]any) leaf.LeafResult {
			start := ctx.Now()
			pos, ok := argVec(args, "pos")
			if !ok {
				return leaf.Failure(leaf.ErrWorldInvalidPosition, false, "pos must be {x,y,z}", metricsSince(ctx, start))
			}
			block := c.World.BlockAt(pos)
			if block.Type == "" || block.Type == "air" {
				return leaf.Failure(leaf.ErrWorldInvalidPosition, false, fmt.Sprintf("no block at %v", pos), metricsSince(ctx, start))
			}
			if err := c.World.Dig(block); err != nil {
				m := metricsSince(ctx, start)
				m.Timeouts++
				return leaf.Failure(leaf.ErrDigTimeout, true, err.Error(), m)
			}
			return leaf.Success(map[string]any{"dug": block.Type}, metricsSince(ctx, start))
		},
	}
}

// placeBlock places at refBlock.position + faceVec; the catalog commits to
// that convention for every caller.
func (c *Catalog) placeBlock() *leaf.Leaf {
	return &leaf.Leaf{
		Name:        "place_block",
		Version:     "1.0.0",
		Description: "Place a held block against a reference block face.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"ref":  posSchema(),
				"face": posSchema(),
				"item": map[string]any{"type": "string"},
			},
			"required": []any{"ref", "face", "item"},
		},
		Permissions: []leaf.Permission{leaf.PermPlace},
		TimeoutMs:   10_000,
		Retries:     1,
		Run: func(ctx leaf.Context, args map[string]any) leaf.LeafResult {
			start := ctx.Now()
			refPos, okRef := argVec(args, "ref")
			face, okFace := argVec(args, "face")
			if !okRef || !okFace {
				return leaf.Failure(leaf.ErrWorldInvalidPosition, false, "ref and face must be {x,y,z}", metricsSince(ctx, start))
			}
			if abs(face.X)+abs(face.Y)+abs(face.Z) != 1 {
				return leaf.Failure(leaf.ErrPlaceInvalidFace, false, fmt.Sprintf("face %v is not a unit axis vector", face), metricsSince(ctx, start))
			}
			item := argString(args, "item")
			if !c.hasItem(item, 1) {
				return leaf.Failure(leaf.ErrWorldInsufficientMats, false, "no "+item+" in inventory", metricsSince(ctx, start))
			}
			ref := c.World.BlockAt(refPos)
			if err := c.World.PlaceBlock(ref, face); err != nil {
				return leaf.Failure(leaf.ErrPlaceSprawlLimit, true, err.Error(), metricsSince(ctx, start))
			}
			return leaf.Success(map[string]any{"placed_at": refPos.Add(face)}, metricsSince(ctx, start))
		},
	}
}

func (c *Catalog) equipTool() *leaf.Leaf {
	return &leaf.Leaf{
		Name:        "equip_tool",
		Version:     "1.0.0",
		Description: "Equip an inventory item into a hand slot.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"item": map[string]any{"type": "string"},
				"slot": map[string]any{"type": "string", "enum": []any{"hand", "off-hand"}, "default": "hand"},
			},
			"required": []any{"item"},
		},
		Permissions: []leaf.Permission{leaf.PermSense},
		TimeoutMs:   5_000,
		Retries:     1,
		Run: func(ctx leaf.Context, args map[string]any) leaf.LeafResult {
			start := ctx.Now()
			item := argString(args, "item")
			slot := worldapi.Slot(argString(args, "slot"))
			if slot == "" {
				slot = worldapi.SlotHand
			}
			if !c.hasItem(item, 1) {
				return leaf.Failure(leaf.ErrInventoryMissingItem, false, item+" not in inventory", metricsSince(ctx, start))
			}
			if err := c.World.Equip(item, slot); err != nil {
				return leaf.Failure(leaf.ErrInventoryMissingItem, true, err.Error(), metricsSince(ctx, start))
			}
			return leaf.Success(map[string]any{"equipped": item, "slot": string(slot)}, metricsSince(ctx, start))
		},
	}
}

func (c *Catalog) senseLight() *leaf.Leaf {
	return &leaf.Leaf{
		Name:        "sense_light",
		Version:     "1.0.0",
		Description: "Read the light level at a position.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"pos": posSchema(),
			},
			"required": []any{"pos"},
		},
		Permissions: []leaf.Permission{leaf.PermSense},
		TimeoutMs:   2_000,
		Retries:     2,
		Run: func(ctx leaf.Context, args map[string]any) leaf.LeafResult {
			start := ctx.Now()
			pos, ok := argVec(args, "pos")
			if !ok {
				return leaf.Failure(leaf.ErrSenseInvalidInput, false, "pos must be {x,y,z}", metricsSince(ctx, start))
			}
			return leaf.Success(map[string]any{"light": c.World.LightLevel(pos)}, metricsSince(ctx, start))
		},
	}
}

func (c *Catalog) senseEntities() *leaf.Leaf {
	return &leaf.Leaf{
		Name:        "sense_entities",
		Version:     "1.0.0",
		Description: "List currently perceived entities, optionally filtered by kind.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"kind": map[string]any{"type": "string"},
			},
		},
		Permissions: []leaf.Permission{leaf.PermSense},
		TimeoutMs:   2_000,
		Retries:     2,
		Run: func(ctx leaf.Context, args map[string]any) leaf.LeafResult {
			start := ctx.Now()
			kind := argString(args, "kind")
			var out []map[string]any
			for _, e := range c.World.Entities() {
				if kind != "" && e.Kind != kind {
					continue
				}
				out = append(out, map[string]any{"id": e.ID, "kind": e.Kind, "pos": e.Position})
			}
			return leaf.Success(map[string]any{"entities": out}, metricsSince(ctx, start))
		},
	}
}

func (c *Catalog) chatSay() *leaf.Leaf {
	return &leaf.Leaf{
		Name:        "chat_say",
		Version:     "1.0.0",
		Description: "Send a chat message.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"message": map[string]any{"type": "string"},
			},
			"required": []any{"message"},
		},
		Permissions: []leaf.Permission{leaf.PermChat},
		TimeoutMs:   2_000,
		Retries:     0,
		Run: func(ctx leaf.Context, args map[string]any) leaf.LeafResult {
			start := ctx.Now()
			if err := c.World.Chat(argString(args, "message")); err != nil {
				return leaf.Failure(leaf.ErrSenseAPIError, true, err.Error(), metricsSince(ctx, start))
			}
			return leaf.Success(map[string]any{"sent": true}, metricsSince(ctx, start))
		},
	}
}

// nightStart/nightEnd bracket the in-world sleepable window in ticks.
const (
	nightStart = 12_541
	nightEnd   = 23_458
)

func (c *Catalog) sleepInBed() *leaf.Leaf {
	return &leaf.Leaf{
		Name:        "sleep_in_bed",
		Version:     "1.0.0",
		Description: "Sleep in the bed at a position; fails outside the night window.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"pos": posSchema(),
			},
			"required": []any{"pos"},
		},
		Permissions: []leaf.Permission{leaf.PermMovement, leaf.PermSense},
		TimeoutMs:   10_000,
		Retries:     0,
		Run: func(ctx leaf.Context, args map[string]any) leaf.LeafResult {
			start := ctx.Now()
			pos, ok := argVec(args, "pos")
			if !ok {
				return leaf.Failure(leaf.ErrWorldInvalidPosition, false, "pos must be {x,y,z}", metricsSince(ctx, start))
			}
			tod := c.World.TimeOfDay()
			if tod < nightStart || tod > nightEnd {
				return leaf.Failure(leaf.ErrSleepNotNight, true, fmt.Sprintf("time of day %d outside night window", tod), metricsSince(ctx, start))
			}
			if err := c.World.Sleep(c.World.BlockAt(pos)); err != nil {
				return leaf.Failure(leaf.ErrSleepFailed, true, err.Error(), metricsSince(ctx, start))
			}
			return leaf.Success(map[string]any{"sleeping": true}, metricsSince(ctx, start))
		},
	}
}

func (c *Catalog) collectItem() *leaf.Leaf {
	return &leaf.Leaf{
		Name:        "collect_item",
		Version:     "1.0.0",
		Description: "Collect a nearby dropped item by walking over it.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"item": map[string]any{"type": "string"},
			},
			"required": []any{"item"},
		},
		Permissions: []leaf.Permission{leaf.PermMovement, leaf.PermSense},
		TimeoutMs:   15_000,
		Retries:     1,
		Run: func(ctx leaf.Context, args map[string]any) leaf.LeafResult {
			start := ctx.Now()
			item := argString(args, "item")
			for _, e := range c.World.Entities() {
				if e.Kind != "item" || e.ID != item {
					continue
				}
				if err := c.World.LookAt(e.Position); err != nil {
					return leaf.Failure(leaf.ErrCollectFailed, true, err.Error(), metricsSince(ctx, start))
				}
				if err := c.World.SetControl(worldapi.ControlForward, true); err != nil {
					return leaf.Failure(leaf.ErrCollectFailed, true, err.Error(), metricsSince(ctx, start))
				}
				_ = c.World.SetControl(worldapi.ControlForward, false)
				return leaf.Success(map[string]any{"collected": item}, metricsSince(ctx, start))
			}
			return leaf.Failure(leaf.ErrCollectFailed, true, "no dropped "+item+" in range", metricsSince(ctx, start))
		},
	}
}

// The three container leaves are stable placeholders: they validate input
// and return container.notImplemented without touching the actuator. The
// names and codes are load-bearing for callers that switch on them, so
// they must not be renamed until the operations are completed.
func (c *Catalog) containerOpen() *leaf.Leaf {
	return c.containerStub("container_open", "Open a container block.", leaf.PermContainerRead)
}

func (c *Catalog) containerTransfer() *leaf.Leaf {
	return c.containerStub("container_transfer", "Transfer items between the agent and an open container.", leaf.PermContainerWrite)
}

func (c *Catalog) containerClose() *leaf.Leaf {
	return c.containerStub("container_close", "Close the open container.", leaf.PermContainerRead)
}

func (c *Catalog) containerStub(name, desc string, perm leaf.Permission) *leaf.Leaf {
	return &leaf.Leaf{
		Name:        name,
		Version:     "0.1.0",
		Description: desc,
		InputSchema: map[string]any{"type": "object"},
		Permissions: []leaf.Permission{perm},
		TimeoutMs:   5_000,
		Retries:     0,
		Run: func(ctx leaf.Context, args map[string]any) leaf.LeafResult {
			start := ctx.Now()
			return leaf.Failure(leaf.ErrContainerNotImplemented, false, name+" is not implemented", metricsSince(ctx, start))
		},
	}
}

func (c *Catalog) hasItem(name string, count int) bool {
	if name == "" {
		return false
	}
	total := 0
	for _, it := range c.World.Inventory() {
		if it.Name == name {
			total += it.Count
		}
	}
	return total >= count
}

func metricsSince(ctx leaf.Context, startMs int64) leaf.Metrics {
	return leaf.Metrics{DurationMs: ctx.Now() - startMs}
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
