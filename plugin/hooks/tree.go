package hooks

import (
	"encoding"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strings"
)

// ToTree converts a payload into a JSON-shaped tree without an encoding
// round trip: object keys follow the json tags, but leaf values keep their
// Go types, so an int stays an int and an int64 keeps every bit. Maps and
// slices are copied; the tree shares nothing mutable with p.
func ToTree(p Payload) (map[string]interface{}, error) {
	if p == nil {
		return nil, fmt.Errorf("encode payload: nil payload")
	}
	tree, err := toTree(reflect.ValueOf(p))
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	out, ok := tree.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("encode payload: %T is not an object", p)
	}
	return out, nil
}

// FromTree builds a payload of type typ (a struct, pointer to struct or
// map) from a tree. Leaves assignable to the target field are stored as is;
// anything else is converted through JSON.
func FromTree(tree map[string]interface{}, typ reflect.Type) (Payload, error) {
	v := reflect.New(typ).Elem()
	if err := fromTree(tree, v); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return v.Interface(), nil
}

// Clone returns a deep copy of p with the same dynamic type.
func Clone(p Payload) (Payload, error) {
	tree, err := ToTree(p)
	if err != nil {
		return nil, err
	}
	return FromTree(tree, reflect.TypeOf(p))
}

// PayloadFromTree builds the typed payload for name from a tree produced by
// ToTree or edited from one.
func (r *Registry) PayloadFromTree(name string, tree map[string]interface{}) (Payload, error) {
	def, err := r.lookup(name)
	if err != nil {
		return nil, err
	}
	return FromTree(tree, reflect.PointerTo(def.payload))
}

var (
	jsonMarshaler = reflect.TypeOf((*json.Marshaler)(nil)).Elem()
	textMarshaler = reflect.TypeOf((*encoding.TextMarshaler)(nil)).Elem()
)

// opaque reports types that define their own JSON form; they are copied as
// leaves.
func opaque(t reflect.Type) bool {
	return t.Implements(jsonMarshaler) || t.Implements(textMarshaler) ||
		reflect.PointerTo(t).Implements(jsonMarshaler)
}

func toTree(v reflect.Value) (interface{}, error) {
	if !v.IsValid() {
		return nil, nil
	}
	if v.Kind() != reflect.Interface && v.Kind() != reflect.Ptr && opaque(v.Type()) {
		return copyLeaf(v), nil
	}
	switch v.Kind() {
	case reflect.Interface, reflect.Ptr:
		if v.IsNil() {
			return nil, nil
		}
		return toTree(v.Elem())
	case reflect.Struct:
		out := make(map[string]interface{}, v.NumField())
		if err := structToTree(v, out); err != nil {
			return nil, err
		}
		return out, nil
	case reflect.Map:
		if v.IsNil() {
			return nil, nil
		}
		if v.Type().Key().Kind() != reflect.String {
			return viaJSON(v)
		}
		out := make(map[string]interface{}, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			val, err := toTree(iter.Value())
			if err != nil {
				return nil, err
			}
			out[iter.Key().String()] = val
		}
		return out, nil
	case reflect.Slice:
		if v.IsNil() {
			return nil, nil
		}
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return copyLeaf(v), nil
		}
		fallthrough
	case reflect.Array:
		out := make([]interface{}, v.Len())
		for i := range out {
			val, err := toTree(v.Index(i))
			if err != nil {
				return nil, err
			}
			out[i] = val
		}
		return out, nil
	case reflect.Chan, reflect.Func, reflect.UnsafePointer, reflect.Complex64, reflect.Complex128:
		return nil, fmt.Errorf("unsupported type %s", v.Type())
	}
	return v.Interface(), nil
}

func structToTree(v reflect.Value, out map[string]interface{}) error {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		name, omitEmpty, skip := fieldName(f)
		if skip {
			continue
		}
		fv := v.Field(i)
		if f.Anonymous && name == "" {
			if fv.Kind() == reflect.Ptr {
				if fv.IsNil() {
					continue
				}
				fv = fv.Elem()
			}
			if fv.Kind() == reflect.Struct {
				if err := structToTree(fv, out); err != nil {
					return err
				}
				continue
			}
			name = f.Name
		}
		if name == "" {
			name = f.Name
		}
		if omitEmpty && isEmpty(fv) {
			continue
		}
		val, err := toTree(fv)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		out[name] = val
	}
	return nil
}

// isEmpty matches encoding/json's omitempty rule.
func isEmpty(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Array, reflect.Map, reflect.Slice, reflect.String:
		return v.Len() == 0
	case reflect.Struct:
		return false
	}
	return v.IsZero()
}

// fieldName returns the json key of f. name is empty for untagged embedded
// fields.
func fieldName(f reflect.StructField) (name string, omitEmpty, skip bool) {
	if !f.IsExported() {
		return "", false, true
	}
	tag := f.Tag.Get("json")
	if tag == "-" {
		return "", false, true
	}
	parts := strings.Split(tag, ",")
	for _, opt := range parts[1:] {
		if opt == "omitempty" {
			omitEmpty = true
		}
	}
	if parts[0] != "" {
		return parts[0], omitEmpty, false
	}
	if f.Anonymous {
		return "", omitEmpty, false
	}
	return f.Name, omitEmpty, false
}

func copyLeaf(v reflect.Value) interface{} {
	if v.Kind() == reflect.Slice {
		cp := reflect.MakeSlice(v.Type(), v.Len(), v.Len())
		reflect.Copy(cp, v)
		return cp.Interface()
	}
	return v.Interface()
}

func viaJSON(v reflect.Value) (interface{}, error) {
	raw, err := json.Marshal(v.Interface())
	if err != nil {
		return nil, err
	}
	var out interface{}
	err = json.Unmarshal(raw, &out)
	return out, err
}

func fromTree(tree interface{}, dst reflect.Value) error {
	if tree == nil {
		dst.Set(reflect.Zero(dst.Type()))
		return nil
	}
	t := dst.Type()
	src := reflect.ValueOf(tree)

	if t.Kind() == reflect.Interface {
		if !src.Type().AssignableTo(t) {
			return fmt.Errorf("cannot use %s as %s", src.Type(), t)
		}
		dst.Set(src)
		return nil
	}
	if src.Type().AssignableTo(t) && !isContainer(src) {
		dst.Set(src)
		return nil
	}
	if opaque(t) {
		return setViaJSON(tree, dst)
	}

	switch t.Kind() {
	case reflect.Ptr:
		elem := reflect.New(t.Elem())
		if err := fromTree(tree, elem.Elem()); err != nil {
			return err
		}
		dst.Set(elem)
		return nil
	case reflect.Struct:
		m, ok := tree.(map[string]interface{})
		if !ok {
			return setViaJSON(tree, dst)
		}
		return treeToStruct(m, dst)
	case reflect.Map:
		m, ok := tree.(map[string]interface{})
		if !ok || t.Key().Kind() != reflect.String {
			return setViaJSON(tree, dst)
		}
		out := reflect.MakeMapWithSize(t, len(m))
		for k, val := range m {
			ev := reflect.New(t.Elem()).Elem()
			if err := fromTree(val, ev); err != nil {
				return fmt.Errorf("%s: %w", k, err)
			}
			out.SetMapIndex(reflect.ValueOf(k).Convert(t.Key()), ev)
		}
		dst.Set(out)
		return nil
	case reflect.Slice, reflect.Array:
		list, ok := tree.([]interface{})
		if !ok {
			return setViaJSON(tree, dst)
		}
		if t.Kind() == reflect.Slice {
			dst.Set(reflect.MakeSlice(t, len(list), len(list)))
		}
		for i, val := range list {
			if i >= dst.Len() {
				break
			}
			if err := fromTree(val, dst.Index(i)); err != nil {
				return fmt.Errorf("[%d]: %w", i, err)
			}
		}
		return nil
	}
	if convertScalar(src, dst) {
		return nil
	}
	return setViaJSON(tree, dst)
}

func treeToStruct(m map[string]interface{}, dst reflect.Value) error {
	t := dst.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		name, _, skip := fieldName(f)
		if skip {
			continue
		}
		fv := dst.Field(i)
		if f.Anonymous && name == "" {
			target := fv
			if fv.Kind() == reflect.Ptr && fv.Type().Elem().Kind() == reflect.Struct {
				fv.Set(reflect.New(fv.Type().Elem()))
				target = fv.Elem()
			}
			if target.Kind() == reflect.Struct {
				if err := treeToStruct(m, target); err != nil {
					return err
				}
				continue
			}
			name = f.Name
		}
		val, ok := m[name]
		if !ok {
			continue
		}
		if err := fromTree(val, fv); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

func isContainer(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Map, reflect.Slice:
		return v.Type().Elem().Kind() != reflect.Uint8 || v.Kind() == reflect.Map
	}
	return false
}

// convertScalar converts between numeric kinds when no precision is lost,
// and between string kinds.
func convertScalar(src, dst reflect.Value) bool {
	switch {
	case isNumber(src.Kind()) && isNumber(dst.Kind()):
		if src.Kind() == reflect.Float32 || src.Kind() == reflect.Float64 {
			f := src.Float()
			if dst.Kind() != reflect.Float32 && dst.Kind() != reflect.Float64 && f != math.Trunc(f) {
				return false
			}
		}
		conv := src.Convert(dst.Type())
		if negative(src) != negative(conv) || !conv.Convert(src.Type()).Equal(src) {
			return false
		}
		dst.Set(conv)
		return true
	case src.Kind() == reflect.String && dst.Kind() == reflect.String,
		src.Kind() == reflect.Bool && dst.Kind() == reflect.Bool:
		dst.Set(src.Convert(dst.Type()))
		return true
	}
	return false
}

func negative(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int() < 0
	case reflect.Float32, reflect.Float64:
		return v.Float() < 0
	}
	return false
}

func isNumber(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}

func setViaJSON(tree interface{}, dst reflect.Value) error {
	raw, err := json.Marshal(tree)
	if err != nil {
		return err
	}
	ptr := reflect.New(dst.Type())
	if err := json.Unmarshal(raw, ptr.Interface()); err != nil {
		return err
	}
	dst.Set(ptr.Elem())
	return nil
}
