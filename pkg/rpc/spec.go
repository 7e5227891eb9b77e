package rpc

// Spec is the universal query/update pattern shared by every get_*/set_*
// exposed method: a map of field name to expected value. A spec matches an entity iff for
// every (field, value) pair, either value == "*" or the entity's field
// equals value. The same shape is used for add_queues/del_queues/
// get_jobs/set_jobs/get_partitions/set_partitions/... everywhere.
type Spec map[string]any

// Fields is a precompiled, per-type accessor table. The specs used by
// periodic sync run every tick, so each component builds one of these
// once and reuses it for every Match/Update call instead of reflecting
// over struct tags at runtime.
type Fields[T any] map[string]func(*T) any

// Match reports whether spec matches entity according to the fields
// table. An unknown field name in spec never matches (conservative: a
// typo'd field filters everything out rather than silently matching all).
func Match[T any](spec Spec, entity *T, fields Fields[T]) bool {
	for field, want := range spec {
		if want == "*" {
			continue
		}
		get, ok := fields[field]
		if !ok {
			return false
		}
		if !valueEqual(get(entity), want) {
			return false
		}
	}
	return true
}

// valueEqual compares a field value against a spec value. Specs that
// arrive over the wire decode every number as float64, so numeric kinds
// are compared through a common widening rather than by interface
// identity.
func valueEqual(got, want any) bool {
	if g, gok := asFloat(got); gok {
		if w, wok := asFloat(want); wok {
			return g == w
		}
		return false
	}
	return got == want
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// Updates is the second half of a set_* call: merge these field values
// into every entity a spec matched. Setters is the mutating counterpart of
// Fields.
type Setters[T any] map[string]func(*T, any)

// Apply merges updates into entity using the setters table. Fields named
// in updates but absent from setters are ignored (set_jobs/set_queues
// silently drop unknown keys rather than fault, matching the historical
// behavior of the dict-merge implementation this replaces).
func Apply[T any](updates Spec, entity *T, setters Setters[T]) {
	for field, value := range updates {
		if set, ok := setters[field]; ok {
			set(entity, value)
		}
	}
}
