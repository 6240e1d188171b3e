package codec

import (
	"fmt"
	"reflect"
)

// registry holds the transcodings shared by the concrete transcoders and
// implements the payload-tree walk.
type registry struct {
	byName map[string]Transcoding
	byType map[reflect.Type]Transcoding

	// nativeBytes is true if the wire format carries byte strings directly;
	// otherwise []byte values must be handled by a registered transcoding.
	nativeBytes bool
}

func newRegistry(nativeBytes bool) *registry {
	return &registry{
		byName:      map[string]Transcoding{},
		byType:      map[reflect.Type]Transcoding{},
		nativeBytes: nativeBytes,
	}
}

func (r *registry) register(t Transcoding) error {
	if t.Name() == TypeKey || t.Name() == DataKey {
		return fmt.Errorf("transcoding name %q is reserved", t.Name())
	}
	if _, ok := r.byName[t.Name()]; ok {
		return fmt.Errorf("transcoding name %q is already registered", t.Name())
	}
	if _, ok := r.byType[t.Type()]; ok {
		return fmt.Errorf("transcoding for type %s is already registered", t.Type())
	}

	r.byName[t.Name()] = t
	r.byType[t.Type()] = t
	return nil
}

// toWire converts a payload value to a tree of wire-native values, wrapping
// transcoded values in {TypeKey, DataKey} records.
func (r *registry) toWire(v any) (any, error) {
	if v == nil {
		return nil, nil
	}

	// A registered transcoding takes precedence over the structural
	// built-ins, so that value objects based on slices or maps round-trip
	// as their own type.
	if t, ok := r.byType[reflect.TypeOf(v)]; ok {
		rep, err := t.Encode(v)
		if err != nil {
			return nil, err
		}
		data, err := r.toWire(rep)
		if err != nil {
			return nil, err
		}
		return map[string]any{TypeKey: t.Name(), DataKey: data}, nil
	}

	switch v := v.(type) {
	case bool, string,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return v, nil
	case []byte:
		if r.nativeBytes {
			return v, nil
		}
		return nil, &EncodingError{Type: reflect.TypeOf(v)}
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		out := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			w, err := r.toWire(rv.Index(i).Interface())
			if err != nil {
				return nil, err
			}
			out[i] = w
		}
		return out, nil

	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, &EncodingError{Type: rv.Type()}
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			key := iter.Key().String()
			if key == TypeKey || key == DataKey {
				return nil, fmt.Errorf(
					"encoding error: field name %q is reserved", key,
				)
			}
			w, err := r.toWire(iter.Value().Interface())
			if err != nil {
				return nil, err
			}
			out[key] = w
		}
		return out, nil

	case reflect.Pointer:
		if rv.IsNil() {
			return nil, nil
		}
		return r.toWire(rv.Elem().Interface())
	}

	return nil, &EncodingError{Type: reflect.TypeOf(v)}
}

// fromWire reverses toWire, resolving wrapped records to their registered
// types.
func (r *registry) fromWire(v any) (any, error) {
	switch v := v.(type) {
	case map[string]any:
		if tag, ok := r.wrappedTag(v); ok {
			t, registered := r.byName[tag]
			if !registered {
				return nil, &DecodingError{Kind: DecodingUnknownTag, Tag: tag}
			}
			rep, err := r.fromWire(v[DataKey])
			if err != nil {
				return nil, err
			}
			decoded, err := t.Decode(rep)
			if err != nil {
				return nil, &DecodingError{Kind: DecodingMalformed, Cause: err}
			}
			return decoded, nil
		}

		out := make(map[string]any, len(v))
		for key, value := range v {
			w, err := r.fromWire(value)
			if err != nil {
				return nil, err
			}
			out[key] = w
		}
		return out, nil

	case []any:
		out := make([]any, len(v))
		for i, value := range v {
			w, err := r.fromWire(value)
			if err != nil {
				return nil, err
			}
			out[i] = w
		}
		return out, nil
	}

	return v, nil
}

func (r *registry) wrappedTag(m map[string]any) (string, bool) {
	if len(m) != 2 {
		return "", false
	}
	tag, ok := m[TypeKey].(string)
	if !ok {
		return "", false
	}
	if _, ok := m[DataKey]; !ok {
		return "", false
	}
	return tag, true
}
