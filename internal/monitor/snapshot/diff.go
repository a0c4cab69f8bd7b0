package snapshot

import (
	"reflect"
	"time"
)

type Kind int

const (
	// KindMissing: nothing is retained for the key (never ingested or evicted).
	KindMissing Kind = iota
	KindUnchanged
	KindFull
	KindDelta
)

func (k Kind) String() string {
	switch k {
	case KindUnchanged:
		return "unchanged"
	case KindFull:
		return "full"
	case KindDelta:
		return "delta"
	default:
		return "missing"
	}
}

// Result of Store.Diff. Payload is set for KindFull, Changes for KindDelta.
// Both share structure with the stored value and must be treated as read-only.
type Result struct {
	Kind      Kind
	Version   uint64
	Payload   any
	Changes   map[string]any
	UpdatedAt time.Time
}

// Empty reports a delta that carries no field changes (the payload was
// re-ingested identical).
func (r Result) Empty() bool { return r.Kind == KindDelta && len(r.Changes) == 0 }

// diffObjects returns the changed leaves of cur relative to base. Nested
// objects recurse; arrays and scalars are compared whole. Fields removed in
// cur are reported as nil. ok is false when either side is not an object.
func diffObjects(base, cur any) (map[string]any, bool) {
	b, ok1 := base.(map[string]any)
	c, ok2 := cur.(map[string]any)
	if !ok1 || !ok2 {
		return nil, false
	}
	return diffMaps(b, c), true
}

func diffMaps(b, c map[string]any) map[string]any {
	out := map[string]any{}
	for k, nv := range c {
		ov, had := b[k]
		if !had {
			out[k] = nv
			continue
		}
		om, oIsMap := ov.(map[string]any)
		nm, nIsMap := nv.(map[string]any)
		if oIsMap && nIsMap {
			if sub := diffMaps(om, nm); len(sub) > 0 {
				out[k] = sub
			}
			continue
		}
		if !reflect.DeepEqual(ov, nv) {
			out[k] = nv
		}
	}
	for k := range b {
		if _, still := c[k]; !still {
			out[k] = nil
		}
	}
	return out
}
