package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// MaxFuel is the fuel ceiling of a standard turtle.
const MaxFuel = 20000

// InventorySize is the number of slots a turtle carries.
const InventorySize = 16

type Direction string

const (
	DirectionNorth Direction = "north"
	DirectionSouth Direction = "south"
	DirectionEast  Direction = "east"
	DirectionWest  Direction = "west"
)

func (d Direction) Valid() bool {
	switch d {
	case DirectionNorth, DirectionSouth, DirectionEast, DirectionWest:
		return true
	}
	return false
}

// Left returns the facing after a counter-clockwise quarter turn.
func (d Direction) Left() Direction {
	switch d {
	case DirectionNorth:
		return DirectionWest
	case DirectionWest:
		return DirectionSouth
	case DirectionSouth:
		return DirectionEast
	case DirectionEast:
		return DirectionNorth
	}
	return d
}

// Right returns the facing after a clockwise quarter turn.
func (d Direction) Right() Direction {
	switch d {
	case DirectionNorth:
		return DirectionEast
	case DirectionEast:
		return DirectionSouth
	case DirectionSouth:
		return DirectionWest
	case DirectionWest:
		return DirectionNorth
	}
	return d
}

// Offset is the unit step taken when moving forward while facing d.
// North is -z, matching the game's coordinate system.
func (d Direction) Offset() Point3 {
	switch d {
	case DirectionNorth:
		return Point3{Z: -1}
	case DirectionSouth:
		return Point3{Z: 1}
	case DirectionEast:
		return Point3{X: 1}
	case DirectionWest:
		return Point3{X: -1}
	}
	return Point3{}
}

type Point3 struct {
	X int `json:"x"`
	Y int `json:"y"`
	Z int `json:"z"`
}

func (p Point3) Add(o Point3) Point3 {
	return Point3{X: p.X + o.X, Y: p.Y + o.Y, Z: p.Z + o.Z}
}

func (p Point3) Sub(o Point3) Point3 {
	return Point3{X: p.X - o.X, Y: p.Y - o.Y, Z: p.Z - o.Z}
}

func (p Point3) String() string {
	return fmt.Sprintf("(%d, %d, %d)", p.X, p.Y, p.Z)
}

type Item struct {
	Name     string `json:"name"`
	Quantity int    `json:"quantity"`
}

// Empty reports whether the slot holds nothing.
func (i Item) Empty() bool {
	return i.Name == "" || i.Name == BlockAir || i.Quantity <= 0
}

const BlockAir = "minecraft:air"

type Block struct {
	Name        string `json:"name"`
	Position    Point3 `json:"position"`
	Traversable bool   `json:"traversable"`
}

type Turtle struct {
	ID        string              `json:"id"`
	Position  Point3              `json:"position"`
	Direction Direction           `json:"direction"`
	Fuel      int                 `json:"fuel"`
	Inventory [InventorySize]Item `json:"inventory"`
	LeftHand  Item                `json:"left_hand"`
	RightHand Item                `json:"right_hand"`
	CreatedAt time.Time           `json:"created_at"`
	UpdatedAt time.Time           `json:"updated_at"`
}

// FindSlots returns the 1-based slots whose item name satisfies match.
func (t Turtle) FindSlots(match func(name string) bool) []int {
	var slots []int
	for i, item := range t.Inventory {
		if item.Empty() {
			continue
		}
		if match(item.Name) {
			slots = append(slots, i+1)
		}
	}
	return slots
}

type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusCompleted JobStatus = "completed"
	JobStatusAbandoned JobStatus = "abandoned"
)

type Job struct {
	TrackerID string       `json:"tracker_id"`
	AgentID   string       `json:"agent_id"`
	Action    TurtleAction `json:"action"`
	Args      []any        `json:"args"`
	CreatedAt time.Time    `json:"created_at"`
}

type JobRecord struct {
	Job
	Status      JobStatus       `json:"status"`
	Results     json.RawMessage `json:"results,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

type TreeEventKind string

const (
	TreeEventAppended TreeEventKind = "appended"
	TreeEventEvicted  TreeEventKind = "evicted"
	TreeEventFailed   TreeEventKind = "failed"
	TreeEventHooked   TreeEventKind = "hooked"
	TreeEventResumed  TreeEventKind = "resumed"
	TreeEventPassed   TreeEventKind = "passed"
)

type TreeEvent struct {
	ID          int64         `json:"id"`
	Tree        string        `json:"tree"`
	SequencerID string        `json:"sequencer_id"`
	AgentID     string        `json:"agent_id"`
	Kind        TreeEventKind `json:"kind"`
	NodeID      string        `json:"node_id,omitempty"`
	Reason      string        `json:"reason,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
}
