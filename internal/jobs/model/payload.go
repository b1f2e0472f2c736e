package model

import (
	"fmt"
	"math"
	"reflect"

	"github.com/pkg/errors"

	"github.com/open-edge-platform/geti-sub016/internal/common/jobserrors"
)

// Payload holds job-type specific parameters. Values are restricted to what JSON can represent:
// nil, bool, string, numbers, slices and string-keyed maps of the same. Use NewPayload to build
// one from arbitrary input; it validates the values and normalises them to
// nil, bool, string, int64, float64, []any and map[string]any.
type Payload map[string]any

func NewPayload(values map[string]any) (Payload, error) {
	if values == nil {
		return Payload{}, nil
	}
	normalised, err := normalise(reflect.ValueOf(values), "payload")
	if err != nil {
		return nil, err
	}
	return normalised.(map[string]any), nil
}

// MustPayload is NewPayload for values known to be valid, e.g. literals in tests and templates.
func MustPayload(values map[string]any) Payload {
	p, err := NewPayload(values)
	if err != nil {
		panic(err)
	}
	return p
}

// DeepCopy returns a copy sharing no slices or maps with p.
func (p Payload) DeepCopy() Payload {
	if p == nil {
		return nil
	}
	copied, err := normalise(reflect.ValueOf(map[string]any(p)), "payload")
	if err != nil {
		// p was built from valid values so this cannot happen unless someone bypassed NewPayload.
		panic(err)
	}
	return copied.(map[string]any)
}

func normalise(v reflect.Value, path string) (any, error) {
	if !v.IsValid() {
		return nil, nil
	}
	switch v.Kind() {
	case reflect.Interface, reflect.Pointer:
		if v.IsNil() {
			return nil, nil
		}
		return normalise(v.Elem(), path)
	case reflect.Bool:
		return v.Bool(), nil
	case reflect.String:
		return v.String(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		if v.Uint() > math.MaxInt64 {
			return nil, invalidValue(path, v, "integers must fit in 64 signed bits")
		}
		return int64(v.Uint()), nil
	case reflect.Float32, reflect.Float64:
		if f := v.Float(); math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, invalidValue(path, v, "numbers must be finite")
		}
		return v.Float(), nil
	case reflect.Slice, reflect.Array:
		if v.Kind() == reflect.Slice && v.IsNil() {
			return nil, nil
		}
		out := make([]any, v.Len())
		for i := 0; i < v.Len(); i++ {
			item, err := normalise(v.Index(i), fmt.Sprintf("%s[%d]", path, i))
			if err != nil {
				return nil, err
			}
			out[i] = item
		}
		return out, nil
	case reflect.Map:
		if v.Type().Key().Kind() != reflect.String {
			return nil, invalidValue(path, v, "map keys must be strings")
		}
		out := make(map[string]any, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			key := iter.Key().String()
			item, err := normalise(iter.Value(), path+"."+key)
			if err != nil {
				return nil, err
			}
			out[key] = item
		}
		return out, nil
	}
	return nil, invalidValue(path, v, fmt.Sprintf("values of kind %s cannot be serialized", v.Kind()))
}

func invalidValue(path string, v reflect.Value, message string) error {
	return errors.WithStack(&jobserrors.ErrInvalidArgument{
		Name:    path,
		Value:   fmt.Sprintf("%v", v),
		Message: message,
	})
}
