package types

import (
	"encoding/json"
	"strings"
)

// RawApObj wraps an untyped ActivityPub document and provides
// tolerant accessors over its loosely-shaped fields.
type RawApObj struct {
	data map[string]any
}

func LoadAsRawApObj(jsonBytes []byte) (*RawApObj, error) {
	var data map[string]any
	err := json.Unmarshal(jsonBytes, &data)
	return &RawApObj{data}, err
}

func NewRawApObj(data map[string]any) *RawApObj {
	return &RawApObj{data}
}

func (r *RawApObj) GetData() map[string]any {
	return r.data
}

func (r *RawApObj) Has(key string) bool {
	_, ok := r.get(key)
	return ok
}

func (r *RawApObj) get(key string) (any, bool) {
	keys := strings.Split(key, ".")
	var value any = r.data
	for _, k := range keys {
		if value == nil {
			return nil, false
		}
		m, ok := value.(map[string]any)
		if !ok {
			return nil, false
		}
		value, ok = m[k]
		if !ok {
			return nil, false
		}
	}
	return value, true
}

func (r *RawApObj) GetRaw(key string) (*RawApObj, bool) {
	value, ok := r.get(key)
	if !ok {
		return nil, false
	}
	m, ok := value.(map[string]any)
	if !ok {
		return nil, false
	}
	return &RawApObj{m}, true
}

func (r *RawApObj) GetAny(key string) (any, bool) {
	return r.get(key)
}

func (r *RawApObj) GetString(key string) (string, bool) {
	value, ok := r.get(key)
	if !ok {
		return "", false
	}

	if arr, ok := value.([]any); ok {
		if len(arr) == 0 {
			return "", false
		}
		value = arr[0]
	}

	str, ok := value.(string)
	return str, ok
}

func (r *RawApObj) MustGetString(key string) string {
	str, ok := r.GetString(key)
	if !ok {
		return ""
	}
	return str
}

func (r *RawApObj) GetBool(key string) (bool, bool) {
	value, ok := r.get(key)
	if !ok {
		return false, false
	}
	b, ok := value.(bool)
	return b, ok
}

func (r *RawApObj) GetNumber(key string) (float64, bool) {
	value, ok := r.get(key)
	if !ok {
		return 0, false
	}
	n, ok := value.(float64)
	return n, ok
}

// GetList returns the value at key coerced to a slice. A scalar
// value comes back as a one-element slice, a missing key as nil.
func (r *RawApObj) GetList(key string) []any {
	value, ok := r.get(key)
	if !ok || value == nil {
		return nil
	}
	if arr, ok := value.([]any); ok {
		return arr
	}
	return []any{value}
}

// GetRawList is GetList with every map element wrapped as RawApObj.
// Non-map elements are dropped.
func (r *RawApObj) GetRawList(key string) []*RawApObj {
	items := r.GetList(key)
	result := make([]*RawApObj, 0, len(items))
	for _, item := range items {
		if m, ok := item.(map[string]any); ok {
			result = append(result, &RawApObj{m})
		}
	}
	return result
}
