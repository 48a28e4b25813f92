// Package filter provides property predicates and layered filter sets used to
// restrict DAO queries.
package filter

import (
	"cmp"
	"fmt"
	"math"
	"math/big"
	"reflect"
	"strings"
	"time"
)

// Operator names a comparison applied to a single property.
type Operator string

// Supported operators. Contains, StartsWith and EndsWith are textual and
// compare case-insensitively; the rest are static.
const (
	Equal          Operator = "eq"
	NotEqual       Operator = "ne"
	Less           Operator = "lt"
	LessOrEqual    Operator = "le"
	Greater        Operator = "gt"
	GreaterOrEqual Operator = "ge"
	In             Operator = "in"
	IsNull         Operator = "null"
	NotNull        Operator = "notnull"
	Contains       Operator = "contains"
	StartsWith     Operator = "startswith"
	EndsWith       Operator = "endswith"
)

// Textual reports whether the operator matches on text fragments.
func (o Operator) Textual() bool {
	switch o {
	case Contains, StartsWith, EndsWith:
		return true
	}
	return false
}

// Getter resolves a property value on the candidate entity.
type Getter func(property string) (any, bool)

// Expr is a boolean expression over entity properties.
type Expr interface {
	Eval(get Getter) bool
	String() string
}

// Filter compares one property against a value.
type Filter struct {
	Property string
	Op       Operator
	Value    any
}

// Eq is shorthand for an Equal filter.
func Eq(property string, value any) Filter { return Filter{Property: property, Op: Equal, Value: value} }

// Like is shorthand for a Contains filter.
func Like(property, fragment string) Filter {
	return Filter{Property: property, Op: Contains, Value: fragment}
}

// Textual reports whether the filter uses a textual operator.
func (f Filter) Textual() bool { return f.Op.Textual() }

// Same reports whether two filters are identical.
func (f Filter) Same(other Filter) bool {
	return f.Property == other.Property && f.Op == other.Op && reflect.DeepEqual(f.Value, other.Value)
}

// Eval implements Expr.
func (f Filter) Eval(get Getter) bool {
	v, ok := get(f.Property)
	if !ok {
		v = nil
	}
	switch f.Op {
	case IsNull:
		return normalize(v) == nil
	case NotNull:
		return normalize(v) != nil
	case In:
		return evalIn(v, f.Value)
	case Contains, StartsWith, EndsWith:
		return evalText(f.Op, v, f.Value)
	}
	c, comparable := compareValues(v, f.Value)
	switch f.Op {
	case Equal:
		return comparable && c == 0
	case NotEqual:
		return !comparable || c != 0
	case Less:
		return comparable && c < 0
	case LessOrEqual:
		return comparable && c <= 0
	case Greater:
		return comparable && c > 0
	case GreaterOrEqual:
		return comparable && c >= 0
	}
	return false
}

func (f Filter) String() string {
	switch f.Op {
	case IsNull, NotNull:
		return fmt.Sprintf("%s %s", f.Property, f.Op)
	}
	return fmt.Sprintf("%s %s %#v", f.Property, f.Op, f.Value)
}

type andExpr []Expr

func (a andExpr) Eval(get Getter) bool {
	for _, e := range a {
		if !e.Eval(get) {
			return false
		}
	}
	return true
}

func (a andExpr) String() string { return joinExprs(a, " and ") }

type orExpr []Expr

func (o orExpr) Eval(get Getter) bool {
	for _, e := range o {
		if e.Eval(get) {
			return true
		}
	}
	return false
}

func (o orExpr) String() string { return joinExprs(o, " or ") }

type notExpr struct{ inner Expr }

func (n notExpr) Eval(get Getter) bool { return !n.inner.Eval(get) }
func (n notExpr) String() string        { return "not (" + n.inner.String() + ")" }

type trueExpr struct{}

func (trueExpr) Eval(Getter) bool { return true }
func (trueExpr) String() string   { return "true" }

// True returns the expression that accepts every entity.
func True() Expr { return trueExpr{} }

// And conjoins expressions, dropping nils. With no operands it returns True.
func And(exprs ...Expr) Expr {
	flat := flatten(exprs, func(e Expr) ([]Expr, bool) {
		inner, ok := e.(andExpr)
		return inner, ok
	})
	switch len(flat) {
	case 0:
		return True()
	case 1:
		return flat[0]
	}
	return andExpr(flat)
}

// Or disjoins expressions, dropping nils. With no operands it returns True.
func Or(exprs ...Expr) Expr {
	flat := flatten(exprs, func(e Expr) ([]Expr, bool) {
		inner, ok := e.(orExpr)
		return inner, ok
	})
	switch len(flat) {
	case 0:
		return True()
	case 1:
		return flat[0]
	}
	return orExpr(flat)
}

// Not negates an expression.
func Not(e Expr) Expr {
	if inner, ok := e.(notExpr); ok {
		return inner.inner
	}
	return notExpr{inner: e}
}

func flatten(exprs []Expr, unwrap func(Expr) ([]Expr, bool)) []Expr {
	out := make([]Expr, 0, len(exprs))
	for _, e := range exprs {
		if e == nil {
			continue
		}
		if inner, ok := unwrap(e); ok {
			out = append(out, inner...)
			continue
		}
		out = append(out, e)
	}
	return out
}

func joinExprs(exprs []Expr, sep string) string {
	parts := make([]string, len(exprs))
	for i, e := range exprs {
		parts[i] = "(" + e.String() + ")"
	}
	return strings.Join(parts, sep)
}

func evalIn(v, set any) bool {
	rv := reflect.ValueOf(set)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		c, ok := compareValues(v, set)
		return ok && c == 0
	}
	for i := 0; i < rv.Len(); i++ {
		if c, ok := compareValues(v, rv.Index(i).Interface()); ok && c == 0 {
			return true
		}
	}
	return false
}

func evalText(op Operator, v, fragment any) bool {
	nv := normalize(v)
	if nv == nil {
		return false
	}
	text := strings.ToLower(fmt.Sprint(nv))
	frag := strings.ToLower(fmt.Sprint(normalize(fragment)))
	switch op {
	case Contains:
		return strings.Contains(text, frag)
	case StartsWith:
		return strings.HasPrefix(text, frag)
	case EndsWith:
		return strings.HasSuffix(text, frag)
	}
	return false
}

// normalize dereferences pointers and folds values into int64, uint64,
// float64, string, bool or time.Time where possible. Nil pointers become nil.
func normalize(v any) any {
	if v == nil {
		return nil
	}
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return nil
		}
		rv = rv.Elem()
	}
	if t, ok := rv.Interface().(time.Time); ok {
		return t
	}
	if s, ok := rv.Interface().(fmt.Stringer); ok {
		return s.String()
	}
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return rv.Uint()
	case reflect.Float32, reflect.Float64:
		return rv.Float()
	case reflect.String:
		return rv.String()
	case reflect.Bool:
		return rv.Bool()
	}
	return rv.Interface()
}

// compareValues orders a against b. The second result is false when the
// values cannot be ordered against each other.
func compareValues(a, b any) (int, bool) {
	na, nb := normalize(a), normalize(b)
	if na == nil || nb == nil {
		return 0, na == nil && nb == nil
	}
	switch x := na.(type) {
	case int64, uint64, float64:
		return compareNumbers(x, nb)
	case string:
		y, ok := nb.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(x, y), true
	case time.Time:
		y, ok := nb.(time.Time)
		if !ok {
			return 0, false
		}
		return x.Compare(y), true
	case bool:
		y, ok := nb.(bool)
		if !ok {
			return 0, false
		}
		switch {
		case x == y:
			return 0, true
		case !x:
			return -1, true
		}
		return 1, true
	}
	if reflect.DeepEqual(na, nb) {
		return 0, true
	}
	return 0, false
}

// compareNumbers orders two normalized numbers. Integers compare exactly; an
// integer against a float compares through big.Float. NaN is unordered.
func compareNumbers(a, b any) (int, bool) {
	switch x := a.(type) {
	case int64:
		switch y := b.(type) {
		case int64:
			return cmp.Compare(x, y), true
		case uint64:
			if x < 0 {
				return -1, true
			}
			return cmp.Compare(uint64(x), y), true
		}
	case uint64:
		switch y := b.(type) {
		case uint64:
			return cmp.Compare(x, y), true
		case int64:
			if y < 0 {
				return 1, true
			}
			return cmp.Compare(x, uint64(y)), true
		}
	}
	fa, ok := bigFloat(a)
	if !ok {
		return 0, false
	}
	fb, ok := bigFloat(b)
	if !ok {
		return 0, false
	}
	return fa.Cmp(fb), true
}

func bigFloat(v any) (*big.Float, bool) {
	switch x := v.(type) {
	case int64:
		return new(big.Float).SetInt64(x), true
	case uint64:
		return new(big.Float).SetUint64(x), true
	case float64:
		if math.IsNaN(x) {
			return nil, false
		}
		return big.NewFloat(x), true
	}
	return nil, false
}
