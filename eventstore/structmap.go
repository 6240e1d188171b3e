package eventstore

import (
	"fmt"
	"reflect"
	"strings"
)

// structToMap flattens an event struct into a payload map keyed by the
// fields' json tags (or names). Embedded structs are inlined, matching the
// flat payload shape recorded on the wire.
func structToMap(v any) (map[string]any, error) {
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil, fmt.Errorf("cannot map a nil event")
		}
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return nil, fmt.Errorf("cannot map a %s event", rv.Kind())
	}

	out := map[string]any{}
	if err := flattenStruct(rv, out); err != nil {
		return nil, err
	}
	return out, nil
}

func flattenStruct(rv reflect.Value, out map[string]any) error {
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		field := rt.Field(i)
		if !field.IsExported() {
			continue
		}

		if field.Anonymous && field.Type.Kind() == reflect.Struct {
			if err := flattenStruct(rv.Field(i), out); err != nil {
				return err
			}
			continue
		}

		name, skip := fieldName(field)
		if skip {
			continue
		}
		if _, dup := out[name]; dup {
			return fmt.Errorf("duplicate payload field %q", name)
		}
		out[name] = rv.Field(i).Interface()
	}
	return nil
}

// mapToStruct fills an event struct, addressed by pointer, from a payload
// map. Missing payload fields leave the zero value in place; fields that
// cannot hold the decoded value are an error.
func mapToStruct(m map[string]any, ptr reflect.Value) error {
	rv := ptr.Elem()
	return fillStruct(rv, m)
}

func fillStruct(rv reflect.Value, m map[string]any) error {
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		field := rt.Field(i)
		if !field.IsExported() {
			continue
		}

		if field.Anonymous && field.Type.Kind() == reflect.Struct {
			if err := fillStruct(rv.Field(i), m); err != nil {
				return err
			}
			continue
		}

		name, skip := fieldName(field)
		if skip {
			continue
		}
		value, ok := m[name]
		if !ok || value == nil {
			continue
		}

		if err := assign(rv.Field(i), value); err != nil {
			return fmt.Errorf("field %q: %w", name, err)
		}
	}
	return nil
}

func assign(dst reflect.Value, value any) error {
	src := reflect.ValueOf(value)

	if src.Type().AssignableTo(dst.Type()) {
		dst.Set(src)
		return nil
	}

	switch dst.Kind() {
	case reflect.Pointer:
		elem := reflect.New(dst.Type().Elem())
		if err := assign(elem.Elem(), value); err != nil {
			return err
		}
		dst.Set(elem)
		return nil

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		if isNumeric(src.Kind()) && src.Type().ConvertibleTo(dst.Type()) {
			dst.Set(src.Convert(dst.Type()))
			return nil
		}

	case reflect.Slice:
		elems, ok := value.([]any)
		if !ok {
			break
		}
		out := reflect.MakeSlice(dst.Type(), len(elems), len(elems))
		for i, elem := range elems {
			if elem == nil {
				continue
			}
			if err := assign(out.Index(i), elem); err != nil {
				return err
			}
		}
		dst.Set(out)
		return nil

	case reflect.Map:
		if dst.Type().Key().Kind() != reflect.String {
			break
		}
		entries, ok := value.(map[string]any)
		if !ok {
			break
		}
		out := reflect.MakeMapWithSize(dst.Type(), len(entries))
		for key, entry := range entries {
			elem := reflect.New(dst.Type().Elem()).Elem()
			if entry != nil {
				if err := assign(elem, entry); err != nil {
					return err
				}
			}
			out.SetMapIndex(reflect.ValueOf(key), elem)
		}
		dst.Set(out)
		return nil

	case reflect.Struct:
		entries, ok := value.(map[string]any)
		if !ok {
			break
		}
		return fillStruct(dst, entries)
	}

	return fmt.Errorf("cannot assign %T to %s", value, dst.Type())
}

func isNumeric(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}

// fieldName resolves the payload key for a struct field from its json tag,
// falling back to the field name. A "-" tag omits the field.
func fieldName(field reflect.StructField) (name string, skip bool) {
	tag := field.Tag.Get("json")
	if tag == "" {
		return field.Name, false
	}

	name, _, _ = strings.Cut(tag, ",")
	if name == "-" {
		return "", true
	}
	if name == "" {
		return field.Name, false
	}
	return name, false
}
