package replay

import (
	"encoding/json"
	"sort"
)

// structuralDiff compares two JSON-shaped values and returns the sorted dot
// paths whose values differ. Both sides are normalized through a JSON round
// trip first so Go-native and decoded spellings of the same number compare
// equal. Arrays compare wholesale under their key.
func structuralDiff(original, replayed map[string]any) (bool, []string) {
	a := normalizeMap(original)
	b := normalizeMap(replayed)
	keys := map[string]struct{}{}
	diffInto("", a, b, keys)
	if len(keys) == 0 {
		return false, []string{}
	}
	out := make([]string, 0, len(keys))
	for k := range keys {
		out = append(out, k)
	}
	sort.Strings(out)
	return true, out
}

func diffInto(prefix string, a, b map[string]any, keys map[string]struct{}) {
	for k, av := range a {
		path := joinPath(prefix, k)
		bv, ok := b[k]
		if !ok {
			keys[path] = struct{}{}
			continue
		}
		diffValue(path, av, bv, keys)
	}
	for k := range b {
		if _, ok := a[k]; !ok {
			keys[joinPath(prefix, k)] = struct{}{}
		}
	}
}

func diffValue(path string, av, bv any, keys map[string]struct{}) {
	am, aIsMap := av.(map[string]any)
	bm, bIsMap := bv.(map[string]any)
	if aIsMap && bIsMap {
		diffInto(path, am, bm, keys)
		return
	}
	aj, _ := json.Marshal(av)
	bj, _ := json.Marshal(bv)
	if string(aj) != string(bj) {
		keys[path] = struct{}{}
	}
}

func joinPath(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

func normalizeMap(v map[string]any) map[string]any {
	raw, err := json.Marshal(v)
	if err != nil {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil || out == nil {
		return map[string]any{}
	}
	return out
}
