// Package clone deep-copies serializable values.
//
// Values shaped like decoded JSON (maps, slices, strings, numbers, bools, nil)
// take a fast path. Other maps, slices, arrays, pointers and structs with
// exported fields are copied by reflection. Functions, channels, unsafe
// pointers and structs with unexported fields are not serializable and are
// rejected, as are reference cycles.
package clone

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"time"
)

var (
	// ErrUnsupported is returned for values that have no serializable form.
	ErrUnsupported = errors.New("clone: unsupported value")
	// ErrCycle is returned when a value references itself.
	ErrCycle = errors.New("clone: reference cycle")
)

// Of returns a deep copy of v with the same static type.
func Of[T any](v T) (T, error) {
	var zero T
	out, err := Value(v)
	if err != nil {
		return zero, err
	}
	if out == nil {
		return zero, nil
	}
	typed, ok := out.(T)
	if !ok {
		return zero, fmt.Errorf("%w: clone of %T produced %T", ErrUnsupported, v, out)
	}
	return typed, nil
}

// Map deep-copies a JSON object.
func Map(m map[string]any) (map[string]any, error) {
	if m == nil {
		return nil, nil
	}
	w := walker{seen: make(map[uintptr]struct{})}
	return w.object(m)
}

// Value returns a deep copy of v.
func Value(v any) (any, error) {
	w := walker{seen: make(map[uintptr]struct{})}
	return w.value(v)
}

var timeType = reflect.TypeOf(time.Time{})

// walker tracks the reference types on the current path to detect cycles.
type walker struct {
	seen map[uintptr]struct{}
}

func (w *walker) enter(p uintptr) error {
	if p == 0 {
		return nil
	}
	if _, ok := w.seen[p]; ok {
		return ErrCycle
	}
	w.seen[p] = struct{}{}
	return nil
}

func (w *walker) leave(p uintptr) {
	delete(w.seen, p)
}

func (w *walker) value(v any) (any, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case bool, string, float64, float32, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64, json.Number:
		return t, nil
	case json.RawMessage:
		if t == nil {
			return json.RawMessage(nil), nil
		}
		return append(json.RawMessage(nil), t...), nil
	case map[string]any:
		if t == nil {
			return map[string]any(nil), nil
		}
		return w.object(t)
	case []any:
		if t == nil {
			return []any(nil), nil
		}
		return w.array(t)
	}
	out, err := w.reflect(reflect.ValueOf(v))
	if err != nil {
		return nil, err
	}
	return out.Interface(), nil
}

func (w *walker) object(m map[string]any) (map[string]any, error) {
	p := reflect.ValueOf(m).Pointer()
	if err := w.enter(p); err != nil {
		return nil, err
	}
	defer w.leave(p)

	out := make(map[string]any, len(m))
	for k, v := range m {
		c, err := w.value(v)
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", k, err)
		}
		out[k] = c
	}
	return out, nil
}

func (w *walker) array(s []any) ([]any, error) {
	var p uintptr
	if len(s) > 0 {
		p = reflect.ValueOf(s).Pointer()
	}
	if err := w.enter(p); err != nil {
		return nil, err
	}
	defer w.leave(p)

	out := make([]any, len(s))
	for i, v := range s {
		c, err := w.value(v)
		if err != nil {
			return nil, fmt.Errorf("index %d: %w", i, err)
		}
		out[i] = c
	}
	return out, nil
}

func (w *walker) reflect(v reflect.Value) (reflect.Value, error) {
	switch v.Kind() {
	case reflect.Invalid:
		return v, nil
	case reflect.Bool, reflect.String,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return v, nil

	case reflect.Interface:
		if v.IsNil() {
			return reflect.Zero(v.Type()), nil
		}
		inner, err := w.reflect(v.Elem())
		if err != nil {
			return reflect.Value{}, err
		}
		out := reflect.New(v.Type()).Elem()
		out.Set(inner)
		return out, nil

	case reflect.Pointer:
		if v.IsNil() {
			return reflect.Zero(v.Type()), nil
		}
		p := v.Pointer()
		if err := w.enter(p); err != nil {
			return reflect.Value{}, err
		}
		defer w.leave(p)
		inner, err := w.reflect(v.Elem())
		if err != nil {
			return reflect.Value{}, err
		}
		out := reflect.New(v.Type().Elem())
		out.Elem().Set(inner)
		return out, nil

	case reflect.Map:
		if v.IsNil() {
			return reflect.Zero(v.Type()), nil
		}
		p := v.Pointer()
		if err := w.enter(p); err != nil {
			return reflect.Value{}, err
		}
		defer w.leave(p)
		out := reflect.MakeMapWithSize(v.Type(), v.Len())
		iter := v.MapRange()
		for iter.Next() {
			key, err := w.reflect(iter.Key())
			if err != nil {
				return reflect.Value{}, err
			}
			val, err := w.reflect(iter.Value())
			if err != nil {
				return reflect.Value{}, err
			}
			out.SetMapIndex(key, val)
		}
		return out, nil

	case reflect.Slice:
		if v.IsNil() {
			return reflect.Zero(v.Type()), nil
		}
		var p uintptr
		if v.Len() > 0 {
			p = v.Pointer()
		}
		if err := w.enter(p); err != nil {
			return reflect.Value{}, err
		}
		defer w.leave(p)
		out := reflect.MakeSlice(v.Type(), v.Len(), v.Len())
		for i := 0; i < v.Len(); i++ {
			el, err := w.reflect(v.Index(i))
			if err != nil {
				return reflect.Value{}, err
			}
			out.Index(i).Set(el)
		}
		return out, nil

	case reflect.Array:
		out := reflect.New(v.Type()).Elem()
		for i := 0; i < v.Len(); i++ {
			el, err := w.reflect(v.Index(i))
			if err != nil {
				return reflect.Value{}, err
			}
			out.Index(i).Set(el)
		}
		return out, nil

	case reflect.Struct:
		if v.Type() == timeType {
			return v, nil
		}
		out := reflect.New(v.Type()).Elem()
		for i := 0; i < v.NumField(); i++ {
			field := v.Type().Field(i)
			if !field.IsExported() {
				return reflect.Value{}, fmt.Errorf("%w: unexported field %s.%s", ErrUnsupported, v.Type(), field.Name)
			}
			fv, err := w.reflect(v.Field(i))
			if err != nil {
				return reflect.Value{}, fmt.Errorf("field %s: %w", field.Name, err)
			}
			out.Field(i).Set(fv)
		}
		return out, nil

	default:
		return reflect.Value{}, fmt.Errorf("%w: %s", ErrUnsupported, v.Type())
	}
}
