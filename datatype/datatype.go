package datatype

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
)

// Built-in data type names.
const (
	Any     = "any"
	Text    = "text"
	Number  = "number"
	Boolean = "boolean"
	List    = "list"
	Object  = "object"
)

var (
	// ErrFieldNotFound is returned when a field path segment does not exist on a value.
	ErrFieldNotFound = errors.New("field not found")
	// ErrInvalidValue is returned when a raw value does not fit its data type.
	ErrInvalidValue = errors.New("invalid value for data type")
	// ErrUnknownType is returned when a type name is not registered.
	ErrUnknownType = errors.New("unknown data type")
)

// TypedValue pairs a raw value with the name of its data type.
type TypedValue struct {
	Type  string      `json:"type"`
	Value interface{} `json:"value"`
}

// DataType is the contract of a variable type.
type DataType interface {
	Name() string
	// Dereference returns the value of field on value.
	Dereference(value interface{}, field string) (TypedValue, error)
	// Validate reports whether value is acceptable for this type.
	Validate(value interface{}) error
}

// Registry maps type names to data types. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	types map[string]DataType
}

// NewRegistry creates a registry preloaded with the built-in types.
func NewRegistry() *Registry {
	r := &Registry{types: make(map[string]DataType)}
	for _, t := range []DataType{
		basicType{name: Any},
		basicType{name: Text, kinds: []reflect.Kind{reflect.String}},
		basicType{name: Number, kinds: numberKinds},
		basicType{name: Boolean, kinds: []reflect.Kind{reflect.Bool}},
		basicType{name: List, kinds: []reflect.Kind{reflect.Slice, reflect.Array}},
		basicType{name: Object, kinds: []reflect.Kind{reflect.Map, reflect.Struct, reflect.Ptr}},
	} {
		r.types[t.Name()] = t
	}
	return r
}

// Register adds or replaces a data type.
func (r *Registry) Register(t DataType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types[t.Name()] = t
}

// Get returns the type registered under name. The empty name resolves to Any.
func (r *Registry) Get(name string) (DataType, error) {
	if name == "" {
		name = Any
	}
	r.mu.RLock()
	t, ok := r.types[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, name)
	}
	return t, nil
}

// Typed wraps value with the given type name, defaulting to Any.
func (r *Registry) Typed(name string, value interface{}) TypedValue {
	if name == "" {
		name = Any
	}
	return TypedValue{Type: name, Value: value}
}

// Dereference follows one field of a typed value.
func (r *Registry) Dereference(tv TypedValue, field string) (TypedValue, error) {
	t, err := r.Get(tv.Type)
	if err != nil {
		return TypedValue{}, err
	}
	return t.Dereference(tv.Value, field)
}

// Validate checks a typed value against its type.
func (r *Registry) Validate(tv TypedValue) error {
	t, err := r.Get(tv.Type)
	if err != nil {
		return err
	}
	return t.Validate(tv.Value)
}

// Collection returns the elements of v if v is a slice or array.
func Collection(v interface{}) ([]interface{}, bool) {
	if v == nil {
		return nil, false
	}
	if items, ok := v.([]interface{}); ok {
		return items, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	items := make([]interface{}, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		items[i] = rv.Index(i).Interface()
	}
	return items, true
}

var numberKinds = []reflect.Kind{
	reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
	reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
	reflect.Float32, reflect.Float64,
}

type basicType struct {
	name  string
	kinds []reflect.Kind
}

func (t basicType) Name() string { return t.name }

func (t basicType) Validate(value interface{}) error {
	if value == nil || len(t.kinds) == 0 {
		return nil
	}
	kind := reflect.TypeOf(value).Kind()
	for _, k := range t.kinds {
		if k == kind {
			return nil
		}
	}
	return fmt.Errorf("%w: %s got %T", ErrInvalidValue, t.name, value)
}

func (t basicType) Dereference(value interface{}, field string) (TypedValue, error) {
	v, err := lookupField(value, field)
	if err != nil {
		return TypedValue{}, err
	}
	return TypedValue{Type: Any, Value: v}, nil
}

// ObjectType is a record type with declared field types.
type ObjectType struct {
	TypeName string
	// Fields maps field names to type names.
	Fields map[string]string
}

func (t ObjectType) Name() string { return t.TypeName }

func (t ObjectType) Validate(value interface{}) error {
	if value == nil {
		return nil
	}
	switch reflect.Indirect(reflect.ValueOf(value)).Kind() {
	case reflect.Map, reflect.Struct:
		return nil
	}
	return fmt.Errorf("%w: %s got %T", ErrInvalidValue, t.TypeName, value)
}

func (t ObjectType) Dereference(value interface{}, field string) (TypedValue, error) {
	fieldType, declared := t.Fields[field]
	if !declared {
		return TypedValue{}, fmt.Errorf("%w: %s.%s", ErrFieldNotFound, t.TypeName, field)
	}
	v, err := lookupField(value, field)
	if err != nil {
		return TypedValue{}, err
	}
	return TypedValue{Type: fieldType, Value: v}, nil
}

// lookupField reads field from a map with string keys or from a struct, matching
// struct fields by name or json tag.
func lookupField(value interface{}, field string) (interface{}, error) {
	if m, ok := value.(map[string]interface{}); ok {
		v, ok := m[field]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrFieldNotFound, field)
		}
		return v, nil
	}

	rv := reflect.ValueOf(value)
	for rv.Kind() == reflect.Ptr || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return nil, fmt.Errorf("%w: %s on nil", ErrFieldNotFound, field)
		}
		rv = rv.Elem()
	}

	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			break
		}
		v := rv.MapIndex(reflect.ValueOf(field).Convert(rv.Type().Key()))
		if !v.IsValid() {
			return nil, fmt.Errorf("%w: %s", ErrFieldNotFound, field)
		}
		return v.Interface(), nil
	case reflect.Struct:
		rt := rv.Type()
		for i := 0; i < rt.NumField(); i++ {
			sf := rt.Field(i)
			if !sf.IsExported() {
				continue
			}
			tag := strings.Split(sf.Tag.Get("json"), ",")[0]
			if sf.Name == field || tag == field {
				return rv.Field(i).Interface(), nil
			}
		}
		return nil, fmt.Errorf("%w: %s", ErrFieldNotFound, field)
	}
	return nil, fmt.Errorf("%w: %s on %T", ErrFieldNotFound, field, value)
}
