package domain

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/tidwall/gjson"
)

// Property describes one named, typed member of an entity. Property names
// double as JSON field names, so the entity's json tags must match them.
type Property[T any] struct {
	Name string
	Get  func(*T) any
	Set  func(*T, any) error
	// Rules holds go-playground/validator tags applied to the value, e.g. "required,max=64".
	Rules string
	// Check runs after Rules and returns extra messages; nil means valid.
	Check func(value any) []string
}

// Field builds a Property backed by a struct field reference. Values handed
// to Set are converted to V when their kinds are compatible.
func Field[T any, V any](name string, ref func(*T) *V, rules ...string) Property[T] {
	return Property[T]{
		Name: name,
		Get:  func(e *T) any { return *ref(e) },
		Set: func(e *T, value any) error {
			v, err := convertValue[V](value)
			if err != nil {
				return fmt.Errorf("set %s: %w", name, err)
			}
			*ref(e) = v
			return nil
		},
		Rules: strings.Join(rules, ","),
	}
}

// RelationKind distinguishes the direction of a relationship.
type RelationKind int

// Relation kinds.
const (
	ManyToOne RelationKind = iota + 1
	OneToMany
)

func (k RelationKind) String() string {
	switch k {
	case ManyToOne:
		return "many_to_one"
	case OneToMany:
		return "one_to_many"
	default:
		return "unknown"
	}
}

// Relation names a relationship from the owning model to Target.
//
// For ManyToOne the owner is the dependent: ForeignKey names owner properties
// that reference the target's PrincipalKey. For OneToMany the owner is the
// principal: ForeignKey names target properties referencing the owner's
// PrincipalKey. PrincipalKey defaults to the principal's primary key.
type Relation struct {
	Name         string
	Kind         RelationKind
	Target       EntityType
	ForeignKey   []string
	PrincipalKey []string
	// Required makes a dangling ManyToOne reference a blocking violation and
	// blocks deletes of principals that still have dependents.
	Required bool
}

// Nested populates related data on an entity when a DAO includes the named relation.
type Nested[T any] struct {
	Relation string
	Assign   func(e *T, related []json.RawMessage) error
}

// NestMany assigns all related records to a slice field.
func NestMany[T any, R any](relation string, ref func(*T) *[]R) Nested[T] {
	return Nested[T]{
		Relation: relation,
		Assign: func(e *T, related []json.RawMessage) error {
			out := make([]R, 0, len(related))
			for _, raw := range related {
				var item R
				if err := json.Unmarshal(raw, &item); err != nil {
					return fmt.Errorf("decode %s: %w", relation, err)
				}
				out = append(out, item)
			}
			*ref(e) = out
			return nil
		},
	}
}

// NestOne assigns the first related record to a pointer field.
func NestOne[T any, R any](relation string, ref func(*T) **R) Nested[T] {
	return Nested[T]{
		Relation: relation,
		Assign: func(e *T, related []json.RawMessage) error {
			if len(related) == 0 {
				*ref(e) = nil
				return nil
			}
			item := new(R)
			if err := json.Unmarshal(related[0], item); err != nil {
				return fmt.Errorf("decode %s: %w", relation, err)
			}
			*ref(e) = item
			return nil
		},
	}
}

// Model is the registered metadata for entity type T.
type Model[T any] struct {
	Name EntityType
	// Key lists the primary key properties in order.
	Key []string
	// Identity names a key property whose value is generated by the DAO's New.
	Identity   string
	Properties []Property[T]
	Relations  []Relation
	Nested     []Nested[T]
	// New builds a default instance; the zero value is used when nil.
	New func() T
}

// Property looks up a property by name.
func (m *Model[T]) Property(name string) (Property[T], bool) {
	for _, p := range m.Properties {
		if p.Name == name {
			return p, true
		}
	}
	return Property[T]{}, false
}

// Relation looks up a relation by name.
func (m *Model[T]) Relation(name string) (Relation, bool) {
	for _, r := range m.Relations {
		if r.Name == name {
			return r, true
		}
	}
	return Relation{}, false
}

// NestedFor returns the nested assigner for a relation.
func (m *Model[T]) NestedFor(relation string) (Nested[T], bool) {
	for _, n := range m.Nested {
		if n.Relation == relation {
			return n, true
		}
	}
	return Nested[T]{}, false
}

// KeyValues returns the entity's primary key values in declaration order.
func (m *Model[T]) KeyValues(e *T) []any {
	out := make([]any, 0, len(m.Key))
	for _, name := range m.Key {
		p, _ := m.Property(name)
		out = append(out, p.Get(e))
	}
	return out
}

// KeyOf encodes the entity's primary key.
func (m *Model[T]) KeyOf(e *T) (string, error) {
	return EncodeKey(m.KeyValues(e)...)
}

// Values returns the named property values of e.
func (m *Model[T]) Values(e *T, names []string) []any {
	out := make([]any, 0, len(names))
	for _, name := range names {
		if p, ok := m.Property(name); ok {
			out = append(out, p.Get(e))
		} else {
			out = append(out, nil)
		}
	}
	return out
}

// Instantiate returns a default instance.
func (m *Model[T]) Instantiate() T {
	if m.New != nil {
		return m.New()
	}
	var zero T
	return zero
}

// Info returns the type-erased metadata view.
func (m *Model[T]) Info() ModelInfo {
	props := make([]PropertyInfo, 0, len(m.Properties))
	for _, p := range m.Properties {
		props = append(props, PropertyInfo{Name: p.Name, Rules: p.Rules})
	}
	return ModelInfo{
		Name:       m.Name,
		Type:       reflect.TypeFor[T](),
		Key:        append([]string(nil), m.Key...),
		Identity:   m.Identity,
		Properties: props,
		Relations:  append([]Relation(nil), m.Relations...),
	}
}

func (m *Model[T]) validate() error {
	if m.Name == "" {
		return &ConfigError{Op: "register", Entity: reflect.TypeFor[T]().String(), Reason: "model name is required"}
	}
	if len(m.Key) == 0 {
		return &ConfigError{Op: "register", Entity: string(m.Name), Reason: "primary key is required"}
	}
	seen := make(map[string]bool, len(m.Properties))
	for _, p := range m.Properties {
		if p.Name == "" || p.Get == nil || p.Set == nil {
			return &ConfigError{Op: "register", Entity: string(m.Name), Reason: fmt.Sprintf("property %q is incomplete", p.Name)}
		}
		if seen[p.Name] {
			return &ConfigError{Op: "register", Entity: string(m.Name), Reason: fmt.Sprintf("property %q declared twice", p.Name)}
		}
		seen[p.Name] = true
	}
	for _, k := range m.Key {
		if !seen[k] {
			return &ConfigError{Op: "register", Entity: string(m.Name), Reason: fmt.Sprintf("key property %q is not declared", k)}
		}
	}
	if m.Identity != "" && !seen[m.Identity] {
		return &ConfigError{Op: "register", Entity: string(m.Name), Reason: fmt.Sprintf("identity property %q is not declared", m.Identity)}
	}
	relations := make(map[string]bool, len(m.Relations))
	for _, r := range m.Relations {
		if r.Name == "" || r.Target == "" || len(r.ForeignKey) == 0 {
			return &ConfigError{Op: "register", Entity: string(m.Name), Reason: fmt.Sprintf("relation %q is incomplete", r.Name)}
		}
		if relations[r.Name] {
			return &ConfigError{Op: "register", Entity: string(m.Name), Reason: fmt.Sprintf("relation %q declared twice", r.Name)}
		}
		relations[r.Name] = true
		if r.Kind == ManyToOne {
			for _, fk := range r.ForeignKey {
				if !seen[fk] {
					return &ConfigError{Op: "register", Entity: string(m.Name), Reason: fmt.Sprintf("relation %q foreign key %q is not declared", r.Name, fk)}
				}
			}
		}
	}
	for _, n := range m.Nested {
		if !relations[n.Relation] || n.Assign == nil {
			return &ConfigError{Op: "register", Entity: string(m.Name), Reason: fmt.Sprintf("nested data %q has no matching relation", n.Relation)}
		}
	}
	return nil
}

// PropertyInfo is the type-erased view of a property.
type PropertyInfo struct {
	Name  string
	Rules string
}

// ModelInfo is the type-erased view of a registered model consumed by
// persistence, rules and views.
type ModelInfo struct {
	Name       EntityType
	Type       reflect.Type
	Key        []string
	Identity   string
	Properties []PropertyInfo
	Relations  []Relation
}

// KeyOfPayload encodes the primary key found in a JSON payload.
func (i ModelInfo) KeyOfPayload(raw json.RawMessage) (string, error) {
	return EncodeKey(PayloadValues(raw, i.Key)...)
}

// Relation looks up a relation by name.
func (i ModelInfo) Relation(name string) (Relation, bool) {
	for _, r := range i.Relations {
		if r.Name == name {
			return r, true
		}
	}
	return Relation{}, false
}

// PayloadValues extracts property values from a JSON payload. Absent
// properties yield nil.
func PayloadValues(raw json.RawMessage, names []string) []any {
	out := make([]any, 0, len(names))
	for _, name := range names {
		res := gjson.GetBytes(raw, gjsonPath(name))
		if !res.Exists() {
			out = append(out, nil)
			continue
		}
		out = append(out, res.Value())
	}
	return out
}

// EncodeKey renders key values into the canonical string used for record
// keys. Typed values and their JSON-decoded counterparts encode identically.
func EncodeKey(values ...any) (string, error) {
	if len(values) == 0 {
		return "", fmt.Errorf("encode key: no values")
	}
	raw, err := json.Marshal(values)
	if err != nil {
		return "", fmt.Errorf("encode key: %w", err)
	}
	return string(raw), nil
}

// DecodeKey returns the key values encoded by EncodeKey.
func DecodeKey(key string) ([]any, error) {
	var values []any
	if err := json.Unmarshal([]byte(key), &values); err != nil {
		return nil, fmt.Errorf("decode key: %w", err)
	}
	return values, nil
}

func gjsonPath(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch r {
		case '.', '*', '?', '|', '#', '@', '\\', '!', '=', '<', '>', '%':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func convertValue[V any](value any) (V, error) {
	var zero V
	if value == nil {
		return zero, nil
	}
	if v, ok := value.(V); ok {
		return v, nil
	}
	target := reflect.TypeFor[V]()
	rv := reflect.ValueOf(value)
	if target.Kind() == reflect.Pointer && compatible(rv.Type(), target.Elem()) {
		p := reflect.New(target.Elem())
		p.Elem().Set(rv.Convert(target.Elem()))
		return p.Interface().(V), nil
	}
	if rv.Kind() == reflect.Pointer && !rv.IsNil() && compatible(rv.Elem().Type(), target) {
		return rv.Elem().Convert(target).Interface().(V), nil
	}
	if compatible(rv.Type(), target) {
		return rv.Convert(target).Interface().(V), nil
	}
	return zero, fmt.Errorf("cannot assign %T to %s", value, target)
}

func compatible(from, to reflect.Type) bool {
	if !from.ConvertibleTo(to) {
		return false
	}
	if from.Kind() == to.Kind() {
		return true
	}
	return isNumeric(from.Kind()) && isNumeric(to.Kind())
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
