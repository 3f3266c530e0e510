package query

import (
	"fmt"
	"math"
	"regexp"
	"strings"

	cerrors "github.com/cachedb/cachedb/internal/errors"
	"github.com/cachedb/cachedb/pkg/types"
)

// Operator names a where clause or filter predicate. Operators double as
// the query statistics keys and the Spec op names.
type Operator string

const (
	OpAny        Operator = "any"
	OpIsNull     Operator = "is_null"
	OpIsNotNull  Operator = "is_not_null"
	OpEqualTo    Operator = "eq"
	OpGreater    Operator = "gt"
	OpLess       Operator = "lt"
	OpBetween    Operator = "between"
	OpStartsWith Operator = "starts_with"
	OpEndsWith   Operator = "ends_with"
	OpContains   Operator = "contains"
	OpMatches    Operator = "matches"
	OpIsEmpty    Operator = "is_empty"
	OpIsNotEmpty Operator = "is_not_empty"
)

// CompareOption tunes one predicate.
type CompareOption func(*compareOpts)

type compareOpts struct {
	caseInsensitive bool
	epsilon         *float64
}

// CaseInsensitive compares strings after lower-casing them.
func CaseInsensitive() CompareOption {
	return func(o *compareOpts) { o.caseInsensitive = true }
}

// Epsilon overrides the query's tolerance for double comparisons.
func Epsilon(e float64) CompareOption {
	return func(o *compareOpts) { o.epsilon = &e }
}

func collectOpts(opts []CompareOption) compareOpts {
	var o compareOpts
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Condition is a filter predicate over decoded records. Conditions are
// schema independent until a query binds them to its collection.
type Condition interface {
	compile(b *binder) (predicate, error)
	walk(fn func(field string, op Operator))
}

type predicate func(*types.Record) bool

// binder resolves field names against one schema.
type binder struct {
	schema  *types.Schema
	epsilon float64
}

func invalidQuery(format string, args ...interface{}) error {
	return cerrors.NewQueryError(cerrors.CodeInvalidQuery, fmt.Sprintf(format, args...))
}

// resolve returns a getter and the kind of the named field. The implicit
// id field resolves to a long.
func (b *binder) resolve(name string) (func(*types.Record) types.Value, types.Kind, error) {
	if name == types.IDField {
		return func(r *types.Record) types.Value { return types.Long(r.ID) }, types.KindLong, nil
	}
	pos := b.schema.FieldIndex(name)
	if pos < 0 {
		return nil, 0, invalidQuery("%s has no field %q", b.schema.Name, name)
	}
	return func(r *types.Record) types.Value { return r.Value(pos) }, b.schema.Fields[pos].Type, nil
}

func compatible(kind types.Kind, v types.Value) bool {
	if v.IsNull() || v.Kind() == kind {
		return true
	}
	numeric := func(k types.Kind) bool { return k == types.KindLong || k == types.KindDouble }
	return numeric(kind) && numeric(v.Kind())
}

// comparator orders field values of kind. Doubles within epsilon of each
// other compare equal; null is smaller than every value and NaN larger
// than every number, as in index order.
func (b *binder) comparator(kind types.Kind, o compareOpts) func(a, c types.Value) int {
	eps := b.epsilon
	if o.epsilon != nil {
		eps = *o.epsilon
	}
	return func(a, c types.Value) int {
		if a.IsNull() || c.IsNull() {
			return types.Compare(a, c)
		}
		switch {
		case kind == types.KindDouble:
			af, _ := a.AsDouble()
			cf, _ := c.AsDouble()
			if af == cf || math.IsNaN(af) || math.IsNaN(cf) || math.IsInf(af, 0) || math.IsInf(cf, 0) {
				return types.Compare(types.Double(af), types.Double(cf))
			}
			if math.Abs(af-cf) <= eps {
				return 0
			}
			if af < cf {
				return -1
			}
			return 1
		case kind == types.KindString && o.caseInsensitive:
			as, _ := a.AsString()
			cs, _ := c.AsString()
			return strings.Compare(strings.ToLower(as), strings.ToLower(cs))
		default:
			return types.Compare(a, c)
		}
	}
}

// FieldRef starts a predicate on one field.
type FieldRef struct {
	name string
}

// Field refers to a schema field, or to the record id as "id".
func Field(name string) FieldRef { return FieldRef{name: name} }

type leaf struct {
	field        string
	op           Operator
	lower, upper types.Value
	includeLower bool
	includeUpper bool
	text         string
	opts         compareOpts
}

func (f FieldRef) IsNull() Condition    { return &leaf{field: f.name, op: OpIsNull} }
func (f FieldRef) IsNotNull() Condition { return &leaf{field: f.name, op: OpIsNotNull} }

// EqualTo matches values equal to v. EqualTo(Null()) matches nulls.
func (f FieldRef) EqualTo(v types.Value, opts ...CompareOption) Condition {
	return &leaf{field: f.name, op: OpEqualTo, lower: v, opts: collectOpts(opts)}
}

// GreaterThan matches values above v, or equal to it when include is set.
func (f FieldRef) GreaterThan(v types.Value, include bool, opts ...CompareOption) Condition {
	return &leaf{field: f.name, op: OpGreater, lower: v, includeLower: include, opts: collectOpts(opts)}
}

// LessThan matches values below v, or equal to it when include is set.
// Nulls are below every value.
func (f FieldRef) LessThan(v types.Value, include bool, opts ...CompareOption) Condition {
	return &leaf{field: f.name, op: OpLess, upper: v, includeUpper: include, opts: collectOpts(opts)}
}

// Between matches values between lower and upper.
func (f FieldRef) Between(lower, upper types.Value, includeLower, includeUpper bool, opts ...CompareOption) Condition {
	return &leaf{field: f.name, op: OpBetween, lower: lower, upper: upper,
		includeLower: includeLower, includeUpper: includeUpper, opts: collectOpts(opts)}
}

func (f FieldRef) StartsWith(s string, opts ...CompareOption) Condition {
	return &leaf{field: f.name, op: OpStartsWith, text: s, opts: collectOpts(opts)}
}

func (f FieldRef) EndsWith(s string, opts ...CompareOption) Condition {
	return &leaf{field: f.name, op: OpEndsWith, text: s, opts: collectOpts(opts)}
}

func (f FieldRef) Contains(s string, opts ...CompareOption) Condition {
	return &leaf{field: f.name, op: OpContains, text: s, opts: collectOpts(opts)}
}

// Matches matches a wildcard pattern: * is any run of characters and ? is
// exactly one.
func (f FieldRef) Matches(pattern string, opts ...CompareOption) Condition {
	return &leaf{field: f.name, op: OpMatches, text: pattern, opts: collectOpts(opts)}
}

func (f FieldRef) IsEmpty() Condition    { return &leaf{field: f.name, op: OpIsEmpty} }
func (f FieldRef) IsNotEmpty() Condition { return &leaf{field: f.name, op: OpIsNotEmpty} }

func (l *leaf) walk(fn func(string, Operator)) { fn(l.field, l.op) }

func (l *leaf) compile(b *binder) (predicate, error) {
	get, kind, err := b.resolve(l.field)
	if err != nil {
		return nil, err
	}

	switch l.op {
	case OpIsNull:
		return func(r *types.Record) bool { return get(r).IsNull() }, nil
	case OpIsNotNull:
		return func(r *types.Record) bool { return !get(r).IsNull() }, nil
	case OpEqualTo, OpGreater, OpLess, OpBetween:
		return l.compileCompare(b, get, kind)
	case OpStartsWith, OpEndsWith, OpContains, OpMatches, OpIsEmpty, OpIsNotEmpty:
		if kind != types.KindString {
			return nil, invalidQuery("%s applies to string fields, %q is %s", l.op, l.field, kind)
		}
		return l.compileText(get)
	default:
		return nil, invalidQuery("unknown filter operator %q", l.op)
	}
}

func (l *leaf) compileCompare(b *binder, get func(*types.Record) types.Value, kind types.Kind) (predicate, error) {
	for _, v := range []types.Value{l.lower, l.upper} {
		if !compatible(kind, v) {
			return nil, invalidQuery("field %q is %s, cannot compare with %s", l.field, kind, v.Kind())
		}
	}
	cmp := b.comparator(kind, l.opts)
	above := func(x types.Value) bool {
		c := cmp(x, l.lower)
		return c > 0 || (l.includeLower && c == 0)
	}
	below := func(x types.Value) bool {
		c := cmp(x, l.upper)
		return c < 0 || (l.includeUpper && c == 0)
	}

	switch l.op {
	case OpEqualTo:
		return func(r *types.Record) bool { return cmp(get(r), l.lower) == 0 }, nil
	case OpGreater:
		return func(r *types.Record) bool { return above(get(r)) }, nil
	case OpLess:
		return func(r *types.Record) bool { return below(get(r)) }, nil
	default:
		return func(r *types.Record) bool {
			x := get(r)
			return above(x) && below(x)
		}, nil
	}
}

func (l *leaf) compileText(get func(*types.Record) types.Value) (predicate, error) {
	ci := l.opts.caseInsensitive
	needle := l.text
	if ci {
		needle = strings.ToLower(needle)
	}
	text := func(r *types.Record) (string, bool) {
		s, ok := get(r).AsString()
		if ok && ci {
			s = strings.ToLower(s)
		}
		return s, ok
	}

	var test func(string) bool
	switch l.op {
	case OpStartsWith:
		test = func(s string) bool { return strings.HasPrefix(s, needle) }
	case OpEndsWith:
		test = func(s string) bool { return strings.HasSuffix(s, needle) }
	case OpContains:
		test = func(s string) bool { return strings.Contains(s, needle) }
	case OpIsEmpty:
		test = func(s string) bool { return s == "" }
	case OpIsNotEmpty:
		test = func(s string) bool { return s != "" }
	case OpMatches:
		re, err := wildcardToRegex(l.text, ci)
		if err != nil {
			return nil, invalidQuery("bad wildcard %q: %v", l.text, err)
		}
		test = re.MatchString
	}
	return func(r *types.Record) bool {
		s, ok := text(r)
		return ok && test(s)
	}, nil
}

type group struct {
	op    string
	conds []Condition
}

// And matches records matching every condition.
func And(conds ...Condition) Condition { return &group{op: "and", conds: conds} }

// Or matches records matching at least one condition. An empty Or matches
// nothing.
func Or(conds ...Condition) Condition { return &group{op: "or", conds: conds} }

// Not inverts a condition.
func Not(c Condition) Condition { return &group{op: "not", conds: []Condition{c}} }

func (g *group) walk(fn func(string, Operator)) {
	for _, c := range g.conds {
		c.walk(fn)
	}
}

func (g *group) compile(b *binder) (predicate, error) {
	preds := make([]predicate, len(g.conds))
	for i, c := range g.conds {
		if c == nil {
			return nil, invalidQuery("nil condition in %s group", g.op)
		}
		p, err := c.compile(b)
		if err != nil {
			return nil, err
		}
		preds[i] = p
	}

	switch g.op {
	case "and":
		return func(r *types.Record) bool {
			for _, p := range preds {
				if !p(r) {
					return false
				}
			}
			return true
		}, nil
	case "or":
		return func(r *types.Record) bool {
			for _, p := range preds {
				if p(r) {
					return true
				}
			}
			return false
		}, nil
	default:
		p := preds[0]
		return func(r *types.Record) bool { return !p(r) }, nil
	}
}

// wildcardToRegex compiles a * and ? pattern into an anchored regexp.
func wildcardToRegex(pattern string, caseInsensitive bool) (*regexp.Regexp, error) {
	var sb strings.Builder
	sb.WriteString("(?s)")
	if caseInsensitive {
		sb.WriteString("(?i)")
	}
	sb.WriteByte('^')
	for _, r := range pattern {
		switch r {
		case '*':
			sb.WriteString(".*")
		case '?':
			sb.WriteByte('.')
		default:
			sb.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	sb.WriteByte('$')
	return regexp.Compile(sb.String())
}
