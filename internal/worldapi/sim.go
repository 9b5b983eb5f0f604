package worldapi

import "sync"

// SimWorld is a deterministic in-memory Actuator, the world-side analogue
// of the reasoner stub: processes without a live voxel-world connection
// (CLI smoke runs, shadow-only deployments, tests) wire this in.
type SimWorld struct {
	mu sync.Mutex

	pos       Vec3
	blocks    map[Vec3]string
	inventory map[string]int
	held      map[Slot]InventoryItem
	entities  []Entity
	timeOfDay int
	chat      []string
}

func NewSimWorld() *SimWorld {
	return &SimWorld{
		blocks:    map[Vec3]string{},
		inventory: map[string]int{},
		held:      map[Slot]InventoryItem{},
	}
}

// SetBlock seeds or overwrites one block; "" clears it.
func (w *SimWorld) SetBlock(pos Vec3, typ string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if typ == "" {
		delete(w.blocks, pos)
		return
	}
	w.blocks[pos] = typ
}

// GiveItem seeds inventory.
func (w *SimWorld) GiveItem(name string, count int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.inventory[name] += count
}

// SetTimeOfDay sets the world clock tick.
func (w *SimWorld) SetTimeOfDay(tick int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.timeOfDay = tick
}

// ChatLog returns every message sent so far.
func (w *SimWorld) ChatLog() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.chat...)
}

func (w *SimWorld) Position() Vec3 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pos
}

func (w *SimWorld) Inventory() []InventoryItem {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []InventoryItem
	for name, count := range w.inventory {
		out = append(out, InventoryItem{Name: name, Count: count})
	}
	return out
}

func (w *SimWorld) HeldItem(slot Slot) (InventoryItem, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	it, ok := w.held[slot]
	return it, ok
}

func (w *SimWorld) BlockAt(pos Vec3) BlockRef {
	w.mu.Lock()
	defer w.mu.Unlock()
	return BlockRef{Position: pos, Type: w.blocks[pos]}
}

func (w *SimWorld) LightLevel(Vec3) int { return 15 }

func (w *SimWorld) Entities() []Entity {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]Entity(nil), w.entities...)
}

func (w *SimWorld) TimeOfDay() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.timeOfDay
}

func (w *SimWorld) LineOfSight(_, _ Vec3) bool { return true }

// LookAt teleports attention only; the sim has no head orientation.
func (w *SimWorld) LookAt(Vec3) error { return nil }

// SetControl moves the agent one block along +X per forward activation.
// LookAt does not steer it, so a leaf that switches forward on once and
// polls position reaches only the block one step along +X.
func (w *SimWorld) SetControl(c Control, on bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if c == ControlForward && on {
		w.pos.X++
	}
	return nil
}

func (w *SimWorld) Attack(string) error { return nil }

func (w *SimWorld) Dig(block BlockRef) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.blocks, block.Position)
	return nil
}

func (w *SimWorld) PlaceBlock(ref BlockRef, face Vec3) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	target := ref.Position.Add(face)
	w.blocks[target] = "stone"
	return nil
}

func (w *SimWorld) Equip(item string, slot Slot) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.held[slot] = InventoryItem{Name: item, Count: 1, Slot: slot}
	return nil
}

func (w *SimWorld) ActivateItem(bool) error { return nil }
func (w *SimWorld) ActivateBlock(BlockRef) error { return nil }

func (w *SimWorld) Chat(message string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.chat = append(w.chat, message)
	return nil
}

func (w *SimWorld) Sleep(BlockRef) error { return nil }
