package datp

import (
	"fmt"
	"strings"
)

// Patch is one journaled mutation: a mapping from field name to an
// operation. Operations are tagged explicitly (Set / Delete / nested
// Patch) rather than relying on key-prefix conventions in application
// code. The wire form still encodes deletion as a "-" key prefix so
// stored journals stay readable by existing tooling; see PatchFromWire
// and Wire.
type Patch map[string]Op

// Op is a single patch operation on one field.
type Op struct {
	del   bool
	child Patch
	value any
}

// Set returns an operation that assigns value to the field. If value is
// a map and the current value is a map, the two are merged recursively.
func Set(value any) Op { return Op{value: value} }

// Delete returns an operation that removes the field.
func Delete() Op { return Op{del: true} }

// Merge returns an operation that applies a nested patch to the field.
func Merge(child Patch) Op { return Op{child: child} }

// IsDelete reports whether the operation removes its field.
func (o Op) IsDelete() bool { return o.del }

// Value returns the assigned value for a Set operation.
func (o Op) Value() any { return o.value }

// apply merges the patch into target, recursing into nested maps.
// Nested objects are merged, not replaced.
func (p Patch) apply(target map[string]any) {
	for field, op := range p {
		switch {
		case op.del:
			delete(target, field)
		case op.child != nil:
			op.child.apply(childMap(target, field))
		default:
			if newMap, ok := asStringMap(op.value); ok {
				if _, exists := target[field].(map[string]any); exists {
					patchFromMap(newMap).apply(childMap(target, field))
					continue
				}
			}
			target[field] = op.value
		}
	}
}

// materialize returns the value the field would hold after applying op
// on top of current, without mutating current. Used to decide whether a
// core field actually changed.
func (o Op) materialize(current any) any {
	if o.del {
		return nil
	}
	if o.child != nil {
		base := map[string]any{}
		if cur, ok := current.(map[string]any); ok {
			base = deepCopyMap(cur)
		}
		o.child.apply(base)
		return base
	}
	if newMap, ok := asStringMap(o.value); ok {
		if cur, ok := current.(map[string]any); ok {
			base := deepCopyMap(cur)
			patchFromMap(newMap).apply(base)
			return base
		}
		return deepCopyMap(newMap)
	}
	return o.value
}

// childMap returns target[field] as a map, replacing any non-map value.
func childMap(target map[string]any, field string) map[string]any {
	if m, ok := target[field].(map[string]any); ok {
		return m
	}
	m := map[string]any{}
	target[field] = m
	return m
}

func asStringMap(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok
}

func deepCopyMap(src map[string]any) map[string]any {
	dst := make(map[string]any, len(src))
	for k, v := range src {
		if m, ok := v.(map[string]any); ok {
			dst[k] = deepCopyMap(m)
			continue
		}
		dst[k] = v
	}
	return dst
}

// patchFromMap converts a plain map into a patch, honoring "-field"
// deletion markers at every nesting level.
func patchFromMap(m map[string]any) Patch {
	p := make(Patch, len(m))
	for k, v := range m {
		if strings.HasPrefix(k, "-") {
			p[strings.TrimPrefix(k, "-")] = Delete()
			continue
		}
		if child, ok := v.(map[string]any); ok {
			p[k] = Merge(patchFromMap(child))
			continue
		}
		p[k] = Set(v)
	}
	return p
}

// PatchFromWire parses the stored/transport form of a patch, where a
// key prefixed "-" denotes field deletion.
func PatchFromWire(m map[string]any) Patch { return patchFromMap(m) }

// Wire returns the transport form of the patch: deletions become keys
// prefixed with "-", nested patches become nested objects.
func (p Patch) Wire() map[string]any {
	m := make(map[string]any, len(p))
	for field, op := range p {
		switch {
		case op.del:
			m["-"+field] = nil
		case op.child != nil:
			m[field] = op.child.Wire()
		default:
			m[field] = op.value
		}
	}
	return m
}

func (p Patch) String() string { return fmt.Sprintf("%v", p.Wire()) }
