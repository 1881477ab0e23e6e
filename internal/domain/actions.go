package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// TurtleAction is the numeric opcode a turtle executes for a queued job.
type TurtleAction int

const (
	ActionGetTurtleInfo TurtleAction = 1

	ActionForward   TurtleAction = 5
	ActionBackward  TurtleAction = 6
	ActionUp        TurtleAction = 7
	ActionDown      TurtleAction = 8
	ActionTurnLeft  TurtleAction = 9
	ActionTurnRight TurtleAction = 10

	ActionAttackFront  TurtleAction = 20
	ActionAttackAbove  TurtleAction = 21
	ActionAttackBelow  TurtleAction = 22
	ActionDigFront     TurtleAction = 23
	ActionDigAbove     TurtleAction = 24
	ActionDigBelow     TurtleAction = 25
	ActionPlaceFront   TurtleAction = 26
	ActionPlaceAbove   TurtleAction = 27
	ActionPlaceBelow   TurtleAction = 28
	ActionDetectFront  TurtleAction = 29
	ActionDetectAbove  TurtleAction = 30
	ActionDetectBelow  TurtleAction = 31
	ActionInspectFront TurtleAction = 32
	ActionInspectAbove TurtleAction = 33
	ActionInspectBelow TurtleAction = 34
	ActionCompareFront TurtleAction = 35
	ActionCompareAbove TurtleAction = 36
	ActionCompareBelow TurtleAction = 37
	ActionDropFront    TurtleAction = 38
	ActionDropAbove    TurtleAction = 39
	ActionDropBelow    TurtleAction = 40
	ActionSuckFront    TurtleAction = 41
	ActionSuckAbove    TurtleAction = 42
	ActionSuckBelow    TurtleAction = 43

	ActionCraftItems           TurtleAction = 53
	ActionSelectSlot           TurtleAction = 54
	ActionGetSelectedSlot      TurtleAction = 55
	ActionGetItemCountInSlot   TurtleAction = 56
	ActionGetItemSpaceInSlot   TurtleAction = 57
	ActionGetItemDetailsInSlot TurtleAction = 58
	ActionEquipLeft            TurtleAction = 59
	ActionEquipRight           TurtleAction = 60
	ActionRefuel               TurtleAction = 61
	ActionGetFuelLevel         TurtleAction = 62
	ActionGetFuelLimit         TurtleAction = 63
	ActionTransferTo           TurtleAction = 64

	ActionGetDirectionFromSign   TurtleAction = 78
	ActionReadInventory          TurtleAction = 79
	ActionFindItemSlotsByPattern TurtleAction = 80
	ActionGetEquippedItems       TurtleAction = 81
	ActionProcreate              TurtleAction = 82
	ActionIsBusy                 TurtleAction = 83
	ActionPrint                  TurtleAction = 84
)

var actionNames = map[TurtleAction]string{
	ActionGetTurtleInfo: "getTurtleInfo",

	ActionForward:   "forward",
	ActionBackward:  "backward",
	ActionUp:        "up",
	ActionDown:      "down",
	ActionTurnLeft:  "turnLeft",
	ActionTurnRight: "turnRight",

	ActionAttackFront:  "attackFront",
	ActionAttackAbove:  "attackAbove",
	ActionAttackBelow:  "attackBelow",
	ActionDigFront:     "digFront",
	ActionDigAbove:     "digAbove",
	ActionDigBelow:     "digBelow",
	ActionPlaceFront:   "placeFront",
	ActionPlaceAbove:   "placeAbove",
	ActionPlaceBelow:   "placeBelow",
	ActionDetectFront:  "detectFront",
	ActionDetectAbove:  "detectAbove",
	ActionDetectBelow:  "detectBelow",
	ActionInspectFront: "inspectFront",
	ActionInspectAbove: "inspectAbove",
	ActionInspectBelow: "inspectBelow",
	ActionCompareFront: "compareFront",
	ActionCompareAbove: "compareAbove",
	ActionCompareBelow: "compareBelow",
	ActionDropFront:    "dropFront",
	ActionDropAbove:    "dropAbove",
	ActionDropBelow:    "dropBelow",
	ActionSuckFront:    "suckFront",
	ActionSuckAbove:    "suckAbove",
	ActionSuckBelow:    "suckBelow",

	ActionCraftItems:           "craftItems",
	ActionSelectSlot:           "selectSlot",
	ActionGetSelectedSlot:      "getSelectedSlot",
	ActionGetItemCountInSlot:   "getItemCountInSlot",
	ActionGetItemSpaceInSlot:   "getItemSpaceInSlot",
	ActionGetItemDetailsInSlot: "getItemDetailsInSlot",
	ActionEquipLeft:            "equipLeft",
	ActionEquipRight:           "equipRight",
	ActionRefuel:               "refuel",
	ActionGetFuelLevel:         "getFuelLevel",
	ActionGetFuelLimit:         "getFuelLimit",
	ActionTransferTo:           "transferTo",

	ActionGetDirectionFromSign:   "getDirectionFromSign",
	ActionReadInventory:          "readInventory",
	ActionFindItemSlotsByPattern: "findItemSlotsByPattern",
	ActionGetEquippedItems:       "getEquippedItems",
	ActionProcreate:              "procreate",
	ActionIsBusy:                 "isBusy",
	ActionPrint:                  "print",
}

func (a TurtleAction) Valid() bool {
	_, ok := actionNames[a]
	return ok
}

func (a TurtleAction) String() string {
	if name, ok := actionNames[a]; ok {
		return name
	}
	return "TurtleAction(" + strconv.Itoa(int(a)) + ")"
}

// MarshalJSON keeps the numeric opcode on the wire; turtles switch on it.
func (a TurtleAction) MarshalJSON() ([]byte, error) {
	return json.Marshal(int(a))
}

func (a *TurtleAction) UnmarshalJSON(b []byte) error {
	var code int
	if err := json.Unmarshal(b, &code); err != nil {
		return fmt.Errorf("decode turtle action: %w", err)
	}
	*a = TurtleAction(code)
	return nil
}

// IsMovement reports whether a successful result changes the turtle's position or facing.
func (a TurtleAction) IsMovement() bool {
	return a >= ActionForward && a <= ActionTurnRight
}
