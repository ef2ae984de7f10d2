package sandbox

import (
	"encoding/json"
	"fmt"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// toStarlark converts a JSON-shaped Go value into a Starlark value. Objects
// become structs so sandboxed code can branch on fields with attribute access
// (r.count rather than r["count"]).
func toStarlark(v any) (starlark.Value, error) {
	switch x := v.(type) {
	case nil:
		return starlark.None, nil
	case bool:
		return starlark.Bool(x), nil
	case string:
		return starlark.String(x), nil
	case int:
		return starlark.MakeInt(x), nil
	case int64:
		return starlark.MakeInt64(x), nil
	case float64:
		// JSON numbers decode as float64; preserve integral values as ints.
		if x == float64(int64(x)) {
			return starlark.MakeInt64(int64(x)), nil
		}
		return starlark.Float(x), nil
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return starlark.MakeInt64(i), nil
		}
		f, err := x.Float64()
		if err != nil {
			return nil, err
		}
		return starlark.Float(f), nil
	case []any:
		elems := make([]starlark.Value, 0, len(x))
		for _, e := range x {
			sv, err := toStarlark(e)
			if err != nil {
				return nil, err
			}
			elems = append(elems, sv)
		}
		return starlark.NewList(elems), nil
	case map[string]any:
		dict := starlark.StringDict{}
		for k, e := range x {
			sv, err := toStarlark(e)
			if err != nil {
				return nil, err
			}
			dict[k] = sv
		}
		return starlarkstruct.FromStringDict(starlarkstruct.Default, dict), nil
	default:
		return nil, fmt.Errorf("cannot expose %T to sandbox", v)
	}
}

// resultToStarlark round-trips a capability result through JSON so arbitrary
// Go result structs arrive in the sandbox in their wire shape.
func resultToStarlark(v any) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal capability result: %w", err)
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("unmarshal capability result: %w", err)
	}
	return toStarlark(decoded)
}

// fromStarlark converts a Starlark value supplied by sandboxed code into a
// JSON-shaped Go value.
func fromStarlark(v starlark.Value) (any, error) {
	switch x := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(x), nil
	case starlark.String:
		return string(x), nil
	case starlark.Int:
		if i, ok := x.Int64(); ok {
			return i, nil
		}
		return nil, fmt.Errorf("integer argument out of range: %s", x.String())
	case starlark.Float:
		return float64(x), nil
	case *starlark.List:
		out := make([]any, 0, x.Len())
		for i := 0; i < x.Len(); i++ {
			e, err := fromStarlark(x.Index(i))
			if err != nil {
				return nil, err
			}
			out = append(out, e)
		}
		return out, nil
	case starlark.Tuple:
		out := make([]any, 0, len(x))
		for _, e := range x {
			ge, err := fromStarlark(e)
			if err != nil {
				return nil, err
			}
			out = append(out, ge)
		}
		return out, nil
	case *starlark.Dict:
		out := make(map[string]any, x.Len())
		for _, k := range x.Keys() {
			ks, ok := k.(starlark.String)
			if !ok {
				return nil, fmt.Errorf("argument dict keys must be strings, got %s", k.Type())
			}
			e, _, err := x.Get(k)
			if err != nil {
				return nil, err
			}
			ge, err := fromStarlark(e)
			if err != nil {
				return nil, err
			}
			out[string(ks)] = ge
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported argument type %s", v.Type())
	}
}
