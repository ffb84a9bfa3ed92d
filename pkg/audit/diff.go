package audit

import (
	"bytes"
	"encoding/json"
	"errors"
	"reflect"
	"slices"

	"golang.org/x/exp/maps"
)

// rootKey names the whole value when either side is not a JSON object.
const rootKey = "$"

var errInvalidJSON = errors.New("invalid JSON document")

// Diff compares the top-level keys of two JSON documents. Missing or null
// documents count as empty objects. The result is sorted by key and is
// informational only.
func Diff(oldValues, newValues json.RawMessage) ([]Change, error) {
	oldObj, oldIsObj, err := asObject(oldValues)
	if err != nil {
		return nil, err
	}
	newObj, newIsObj, err := asObject(newValues)
	if err != nil {
		return nil, err
	}

	if !oldIsObj || !newIsObj {
		if jsonEqual(oldValues, newValues) {
			return nil, nil
		}
		return []Change{classify(rootKey, oldValues, newValues)}, nil
	}

	keys := maps.Keys(oldObj)
	for k := range newObj {
		if _, ok := oldObj[k]; !ok {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)

	var changes []Change
	for _, k := range keys {
		o, n := oldObj[k], newObj[k]
		if jsonEqual(o, n) {
			continue
		}
		changes = append(changes, classify(k, o, n))
	}
	return changes, nil
}

func classify(key string, o, n json.RawMessage) Change {
	switch {
	case isEmpty(o):
		return Change{Key: key, Kind: ChangeAdded, New: n}
	case isEmpty(n):
		return Change{Key: key, Kind: ChangeRemoved, Old: o}
	default:
		return Change{Key: key, Kind: ChangeChanged, Old: o, New: n}
	}
}

// asObject reports isObj=true for objects and for absent documents.
func asObject(raw json.RawMessage) (map[string]json.RawMessage, bool, error) {
	if isEmpty(raw) {
		return map[string]json.RawMessage{}, true, nil
	}
	trimmed := bytes.TrimSpace(raw)
	if trimmed[0] != '{' {
		if !json.Valid(trimmed) {
			return nil, false, errInvalidJSON
		}
		return nil, false, nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return nil, false, err
	}
	return obj, true, nil
}

func isEmpty(raw json.RawMessage) bool {
	t := bytes.TrimSpace(raw)
	return len(t) == 0 || bytes.Equal(t, []byte("null"))
}

// jsonEqual compares decoded values so formatting differences do not count.
func jsonEqual(a, b json.RawMessage) bool {
	if isEmpty(a) || isEmpty(b) {
		return isEmpty(a) == isEmpty(b)
	}
	var av, bv any
	if json.Unmarshal(a, &av) != nil || json.Unmarshal(b, &bv) != nil {
		return bytes.Equal(a, b)
	}
	return reflect.DeepEqual(av, bv)
}
