package world

import "fmt"

// Params holds the World Engine's tunable runtime parameters. Changes are
// queued via ApplyParams and take effect at the boundary of the next tick
// (the specification's source was ambiguous on timing; this repo fixes it
// to "next tick" per the resolved design question).
type Params struct {
	TickRateMs        int
	MinPopulation     int
	MaxEntities       int
	Friction          float64
	SpawnRate         float64
	ResourceSpawnRate float64
}

// validateParamChange checks a single recognized key/value pair against
// its per-name constraint. Unknown keys are rejected.
func validateParamChange(name string, value any) error {
	switch name {
	case "tick_rate_ms":
		v, ok := asInt(value)
		if !ok || v < 1 {
			return fmt.Errorf("tick_rate_ms must be a positive integer, got %v", value)
		}
	case "min_population":
		v, ok := asInt(value)
		if !ok || v < 0 {
			return fmt.Errorf("min_population must be a non-negative integer, got %v", value)
		}
	case "max_entities":
		v, ok := asInt(value)
		if !ok || v < 0 {
			return fmt.Errorf("max_entities must be a non-negative integer, got %v", value)
		}
	case "friction":
		v, ok := asFloat(value)
		if !ok || v < 0 || v > 1 {
			return fmt.Errorf("friction must be in [0,1], got %v", value)
		}
	case "spawn_rate":
		v, ok := asFloat(value)
		if !ok || v < 0 {
			return fmt.Errorf("spawn_rate must be >= 0, got %v", value)
		}
	case "resource_spawn_rate":
		v, ok := asFloat(value)
		if !ok || v < 0 {
			return fmt.Errorf("resource_spawn_rate must be >= 0, got %v", value)
		}
	default:
		return fmt.Errorf("unknown param %q", name)
	}
	return nil
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), n == float64(int(n))
	}
	return 0, false
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
