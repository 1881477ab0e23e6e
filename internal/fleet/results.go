package fleet

import (
	"errors"
	"fmt"
	"strings"

	"turtle_botnet/internal/domain"
)

// Turtles answer a job with the values their Lua call returned, in order.
// Commands that can fail return a leading boolean, optionally followed by a
// reason; queries return their value directly.

var ErrMalformedResult = errors.New("malformed turtle result")

func succeeded(results []any) bool {
	if len(results) == 0 {
		return false
	}
	ok, _ := results[0].(bool)
	return ok
}

func intResult(results []any, i int) (int, error) {
	if i >= len(results) {
		return 0, fmt.Errorf("%w: want value %d, got %d values", ErrMalformedResult, i, len(results))
	}
	switch v := results[i].(type) {
	case float64:
		return int(v), nil
	case int:
		return v, nil
	case int64:
		return int(v), nil
	}
	return 0, fmt.Errorf("%w: value %d is %T, want number", ErrMalformedResult, i, results[i])
}

// itemFromResult reads a turtle item table ({name, count}). Nil is an empty slot.
func itemFromResult(v any) domain.Item {
	m, ok := v.(map[string]any)
	if !ok {
		return domain.Item{}
	}
	item := domain.Item{}
	item.Name, _ = m["name"].(string)
	switch count := m["count"].(type) {
	case float64:
		item.Quantity = int(count)
	case int:
		item.Quantity = count
	}
	return item
}

func inventoryFromResult(results []any) ([domain.InventorySize]domain.Item, error) {
	var inv [domain.InventorySize]domain.Item
	if len(results) == 0 {
		return inv, fmt.Errorf("%w: empty inventory result", ErrMalformedResult)
	}
	slots, ok := results[0].([]any)
	if !ok {
		return inv, fmt.Errorf("%w: inventory is %T, want list", ErrMalformedResult, results[0])
	}
	for i := 0; i < len(slots) && i < domain.InventorySize; i++ {
		inv[i] = itemFromResult(slots[i])
	}
	return inv, nil
}

var fuelSuffixes = []string{
	":coal",
	":charcoal",
	":coal_block",
	":lava_bucket",
	":blaze_rod",
	"_log",
	"_planks",
}

func isFuel(name string) bool {
	for _, suffix := range fuelSuffixes {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}
	return false
}
