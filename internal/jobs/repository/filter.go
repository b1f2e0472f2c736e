package repository

import (
	"fmt"
	"strings"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/doug-martin/goqu/v9/exp"
	"golang.org/x/exp/constraints"

	"github.com/open-edge-platform/geti-sub016/internal/jobs/model"
)

// Filter selects job documents. The same filter is evaluated in memory by Match and translated
// to SQL by Expression, and both must agree.
type Filter interface {
	Match(job *model.Job) bool
	Expression() (exp.Expression, error)
	String() string
}

type operator string

const (
	opEq  operator = "="
	opNe  operator = "!="
	opLt  operator = "<"
	opLte operator = "<="
	opGt  operator = ">"
	opGte operator = ">="
)

type comparison struct {
	field Field
	op    operator
	value any
}

func Eq(field Field, value any) Filter  { return comparison{field: field, op: opEq, value: value} }
func Ne(field Field, value any) Filter  { return comparison{field: field, op: opNe, value: value} }
func Lt(field Field, value any) Filter  { return comparison{field: field, op: opLt, value: value} }
func Lte(field Field, value any) Filter { return comparison{field: field, op: opLte, value: value} }
func Gt(field Field, value any) Filter  { return comparison{field: field, op: opGt, value: value} }
func Gte(field Field, value any) Filter { return comparison{field: field, op: opGte, value: value} }

func (c comparison) Match(job *model.Job) bool {
	spec, ok := fields[c.field]
	if !ok || spec.json {
		return false
	}
	cmp, comparable := compare(scalar(spec.get(job)), scalar(c.value))
	switch c.op {
	case opEq:
		return comparable && cmp == 0
	case opNe:
		return !comparable || cmp != 0
	case opLt:
		return comparable && cmp < 0
	case opLte:
		return comparable && cmp <= 0
	case opGt:
		return comparable && cmp > 0
	case opGte:
		return comparable && cmp >= 0
	}
	return false
}

func (c comparison) Expression() (exp.Expression, error) {
	column, err := filterColumn(c.field)
	if err != nil {
		return nil, err
	}
	value := scalar(c.value)
	switch c.op {
	case opEq:
		if value == nil {
			return column.IsNull(), nil
		}
		return column.Eq(value), nil
	case opNe:
		if value == nil {
			return column.IsNotNull(), nil
		}
		return goqu.Or(column.Neq(value), column.IsNull()), nil
	case opLt:
		return column.Lt(value), nil
	case opLte:
		return column.Lte(value), nil
	case opGt:
		return column.Gt(value), nil
	case opGte:
		return column.Gte(value), nil
	}
	return nil, fmt.Errorf("unsupported operator %s", c.op)
}

func (c comparison) String() string {
	return fmt.Sprintf("%s %s %s", c.field, c.op, formatValue(c.value))
}

type inFilter struct {
	field  Field
	values []any
	negate bool
}

// In matches documents whose field equals any of values. With no values it matches nothing.
func In[T any](field Field, values ...T) Filter {
	return inFilter{field: field, values: toAny(values)}
}

// NotIn matches documents whose field equals none of values. With no values it matches everything.
func NotIn[T any](field Field, values ...T) Filter {
	return inFilter{field: field, values: toAny(values), negate: true}
}

func toAny[T any](values []T) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}

func (f inFilter) Match(job *model.Job) bool {
	spec, ok := fields[f.field]
	if !ok || spec.json {
		return false
	}
	actual := scalar(spec.get(job))
	found := false
	for _, v := range f.values {
		if cmp, ok := compare(actual, scalar(v)); ok && cmp == 0 {
			found = true
			break
		}
	}
	return found != f.negate
}

func (f inFilter) Expression() (exp.Expression, error) {
	column, err := filterColumn(f.field)
	if err != nil {
		return nil, err
	}
	if len(f.values) == 0 {
		if f.negate {
			return goqu.L("TRUE"), nil
		}
		return goqu.L("FALSE"), nil
	}
	values := make([]any, len(f.values))
	for i, v := range f.values {
		values[i] = scalar(v)
	}
	if f.negate {
		return column.NotIn(values...), nil
	}
	return column.In(values...), nil
}

func (f inFilter) String() string {
	values := make([]string, len(f.values))
	for i, v := range f.values {
		values[i] = formatValue(v)
	}
	op := "IN"
	if f.negate {
		op = "NOT IN"
	}
	return fmt.Sprintf("%s %s (%s)", f.field, op, strings.Join(values, ", "))
}

type nullFilter struct {
	field Field
}

// IsNull matches documents where field is unset, e.g. a nil timestamp.
func IsNull(field Field) Filter {
	return nullFilter{field: field}
}

func (f nullFilter) Match(job *model.Job) bool {
	spec, ok := fields[f.field]
	if !ok {
		return false
	}
	return scalar(spec.get(job)) == nil
}

func (f nullFilter) Expression() (exp.Expression, error) {
	column, err := filterColumn(f.field)
	if err != nil {
		return nil, err
	}
	return column.IsNull(), nil
}

func (f nullFilter) String() string {
	return fmt.Sprintf("%s IS NULL", f.field)
}

type andFilter struct {
	filters []Filter
}

// And matches documents matching every filter. Without filters it matches everything.
func And(filters ...Filter) Filter {
	return andFilter{filters: filters}
}

func (f andFilter) Match(job *model.Job) bool {
	for _, filter := range f.filters {
		if !filter.Match(job) {
			return false
		}
	}
	return true
}

func (f andFilter) Expression() (exp.Expression, error) {
	expressions, err := childExpressions(f.filters)
	if err != nil {
		return nil, err
	}
	if len(expressions) == 0 {
		return goqu.L("TRUE"), nil
	}
	return goqu.And(expressions...), nil
}

func (f andFilter) String() string {
	return joinFilters(f.filters, " AND ", "TRUE")
}

type orFilter struct {
	filters []Filter
}

// Or matches documents matching at least one filter. Without filters it matches nothing.
func Or(filters ...Filter) Filter {
	return orFilter{filters: filters}
}

func (f orFilter) Match(job *model.Job) bool {
	for _, filter := range f.filters {
		if filter.Match(job) {
			return true
		}
	}
	return false
}

func (f orFilter) Expression() (exp.Expression, error) {
	expressions, err := childExpressions(f.filters)
	if err != nil {
		return nil, err
	}
	if len(expressions) == 0 {
		return goqu.L("FALSE"), nil
	}
	return goqu.Or(expressions...), nil
}

func (f orFilter) String() string {
	return joinFilters(f.filters, " OR ", "FALSE")
}

type notFilter struct {
	filter Filter
}

func Not(filter Filter) Filter {
	return notFilter{filter: filter}
}

func (f notFilter) Match(job *model.Job) bool {
	return !f.filter.Match(job)
}

func (f notFilter) Expression() (exp.Expression, error) {
	inner, err := f.filter.Expression()
	if err != nil {
		return nil, err
	}
	return goqu.L("NOT (?)", inner), nil
}

func (f notFilter) String() string {
	return fmt.Sprintf("NOT (%s)", f.filter)
}

// MatchAll matches every document.
func MatchAll() Filter {
	return andFilter{}
}

func childExpressions(filters []Filter) ([]exp.Expression, error) {
	expressions := make([]exp.Expression, 0, len(filters))
	for _, filter := range filters {
		if and, ok := filter.(andFilter); ok && len(and.filters) == 0 {
			continue
		}
		e, err := filter.Expression()
		if err != nil {
			return nil, err
		}
		expressions = append(expressions, e)
	}
	return expressions, nil
}

func joinFilters(filters []Filter, separator string, empty string) string {
	if len(filters) == 0 {
		return empty
	}
	parts := make([]string, len(filters))
	for i, filter := range filters {
		parts[i] = "(" + filter.String() + ")"
	}
	return strings.Join(parts, separator)
}

func filterColumn(field Field) (exp.IdentifierExpression, error) {
	spec, err := lookupField(field)
	if err != nil {
		return nil, err
	}
	if spec.json {
		return nil, invalidFieldValue(field, "filtering on document fields")
	}
	return goqu.C(string(field)), nil
}

// equalities returns the field values fixed by top level equality clauses of filter.
func equalities(filter Filter) map[Field]any {
	result := map[Field]any{}
	var visit func(Filter)
	visit = func(f Filter) {
		switch typed := f.(type) {
		case comparison:
			if typed.op == opEq {
				result[typed.field] = typed.value
			}
		case andFilter:
			for _, child := range typed.filters {
				visit(child)
			}
		}
	}
	visit(filter)
	return result
}

// compare orders two scalars of the same kind. The second result is false when they cannot be compared.
func compare(a, b any) (int, bool) {
	if a == nil || b == nil {
		if a == nil && b == nil {
			return 0, true
		}
		return 0, false
	}
	switch av := a.(type) {
	case int64:
		bv, ok := b.(int64)
		if !ok {
			return 0, false
		}
		return order(av, bv), true
	case float64:
		bv, ok := b.(float64)
		if !ok {
			return 0, false
		}
		return order(av, bv), true
	case string:
		bv, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(av, bv), true
	case bool:
		bv, ok := b.(bool)
		if !ok || av != bv {
			return 1, ok
		}
		return 0, true
	case time.Time:
		bv, ok := b.(time.Time)
		if !ok {
			return 0, false
		}
		switch {
		case av.Before(bv):
			return -1, true
		case av.After(bv):
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

func order[T constraints.Ordered](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func formatValue(value any) string {
	switch v := scalar(value).(type) {
	case nil:
		return "NULL"
	case string:
		return fmt.Sprintf("%q", v)
	case time.Time:
		return v.UTC().Format(time.RFC3339Nano)
	default:
		return fmt.Sprintf("%v", v)
	}
}
