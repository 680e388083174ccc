package jsonld

import (
	"bytes"
	"encoding/json"

	"github.com/concrnt/ccworld-ap-core/world"
)

// DecodeForForwarding decodes a document for comparison by
// PatchForForwarding and SafeForForwarding. Numbers keep their literal
// form, so an integer that would round through float64 shows up as the
// divergence it is. Decode both sides with this before comparing.
func DecodeForForwarding(body []byte) (map[string]any, error) {
	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.UseNumber()

	var document map[string]any
	if err := decoder.Decode(&document); err != nil {
		return nil, err
	}
	return document, nil
}

// PatchForForwarding patches a re-serialized document in place to
// undo two known-safe divergences from the original:
//
//   - the public collection URI abbreviated to "as:Public", which
//     consumers predating that alias do not understand
//   - a single-element array collapsed to its sole element
//
// Patching cannot repair every divergence. Use SafeForForwarding on
// the result to decide whether the patched document may be forwarded
// in place of the original signed bytes.
func PatchForForwarding(original, compacted map[string]any) {
	for key, value := range original {
		if key == "@context" || key == "signature" || value == nil {
			continue
		}
		compactedValue, ok := compacted[key]
		if !ok {
			continue
		}

		switch v := value.(type) {
		case map[string]any:
			if vc, ok := compactedValue.(map[string]any); ok {
				PatchForForwarding(v, vc)
			}
		case []any:
			vc, ok := compactedValue.([]any)
			if !ok {
				vc = []any{compactedValue}
			}
			if len(v) != len(vc) {
				continue
			}
			patched := make([]any, len(v))
			for i := range v {
				patched[i] = patchValue(v[i], vc[i])
			}
			compacted[key] = patched
		default:
			if value == world.PublicCollection && compactedValue == world.PublicCollectionShort {
				compacted[key] = value
			}
		}
	}
}

func patchValue(original, compacted any) any {
	if om, ok := original.(map[string]any); ok {
		if cm, ok := compacted.(map[string]any); ok {
			PatchForForwarding(om, cm)
			return cm
		}
	}
	if original == world.PublicCollection && compacted == world.PublicCollectionShort {
		return original
	}
	return compacted
}

// SafeForForwarding reports whether the re-serialized document still
// means the same thing to consumers that do not process linked data
// and rely on the exact serialized shape. Any divergence in key
// presence, array length or leaf value at any depth, other than the
// two patched cases above, makes the document unsafe; the caller must
// then forward the original signed bytes instead.
func SafeForForwarding(original, compacted map[string]any) bool {
	for key, value := range original {
		if key == "@context" || key == "signature" {
			continue
		}
		compactedValue := compacted[key]

		switch v := value.(type) {
		case map[string]any:
			vc, ok := compactedValue.(map[string]any)
			if !ok || !SafeForForwarding(v, vc) {
				return false
			}
		case []any:
			vc, ok := compactedValue.([]any)
			if !ok || len(v) != len(vc) {
				return false
			}
			for i := range v {
				if !safeValue(v[i], vc[i]) {
					return false
				}
			}
		default:
			if value != compactedValue {
				return false
			}
		}
	}
	return true
}

func safeValue(original, compacted any) bool {
	switch o := original.(type) {
	case map[string]any:
		c, ok := compacted.(map[string]any)
		return ok && SafeForForwarding(o, c)
	case []any:
		c, ok := compacted.([]any)
		if !ok || len(o) != len(c) {
			return false
		}
		for i := range o {
			if !safeValue(o[i], c[i]) {
				return false
			}
		}
		return true
	}
	return original == compacted
}
