// -----------------------------------------------------------------------
// Query builder - where trees encoded as bracketed query parameters
// -----------------------------------------------------------------------

package coordinator

import (
	"fmt"
	"net/url"
	"strconv"
	"time"
)

// Operator is a field comparison operator understood by the coordinator.
// The set is closed; anything else is rejected at encode time.
type Operator string

const (
	OpEquals           Operator = "equals"
	OpNotEquals        Operator = "not_equals"
	OpGreaterThan      Operator = "greater_than"
	OpGreaterThanEqual Operator = "greater_than_equal"
	OpLessThan         Operator = "less_than"
	OpLessThanEqual    Operator = "less_than_equal"
	OpContains         Operator = "contains"
	OpLike             Operator = "like"
	OpIn               Operator = "in"
	OpExists           Operator = "exists"
	OpNear             Operator = "near"
)

var validOperators = map[Operator]bool{
	OpEquals: true, OpNotEquals: true,
	OpGreaterThan: true, OpGreaterThanEqual: true,
	OpLessThan: true, OpLessThanEqual: true,
	OpContains: true, OpLike: true, OpIn: true,
	OpExists: true, OpNear: true,
}

// Where is a filter tree. A node is either a logical combinator (And/Or)
// or a leaf comparison (Field/Op/Value). Dotted field paths reach into
// related documents (e.g. "product.status").
type Where struct {
	And []Where
	Or  []Where

	Field string
	Op    Operator
	Value interface{}
}

// Eq builds an equals comparison
func Eq(field string, value interface{}) Where {
	return Where{Field: field, Op: OpEquals, Value: value}
}

// NotEq builds a not_equals comparison
func NotEq(field string, value interface{}) Where {
	return Where{Field: field, Op: OpNotEquals, Value: value}
}

// Gt builds a greater_than comparison
func Gt(field string, value interface{}) Where {
	return Where{Field: field, Op: OpGreaterThan, Value: value}
}

// Lt builds a less_than comparison
func Lt(field string, value interface{}) Where {
	return Where{Field: field, Op: OpLessThan, Value: value}
}

// Like builds a like comparison
func Like(field string, value string) Where {
	return Where{Field: field, Op: OpLike, Value: value}
}

// In builds an in comparison over a value list
func In(field string, values []string) Where {
	return Where{Field: field, Op: OpIn, Value: values}
}

// Exists builds an exists comparison. Exists(field, false) matches
// documents where the field is null or missing.
func Exists(field string, exists bool) Where {
	return Where{Field: field, Op: OpExists, Value: exists}
}

// And combines clauses conjunctively
func And(clauses ...Where) Where {
	return Where{And: clauses}
}

// Or combines clauses disjunctively
func Or(clauses ...Where) Where {
	return Where{Or: clauses}
}

// IsZero reports whether the node carries no filter at all
func (w Where) IsZero() bool {
	return len(w.And) == 0 && len(w.Or) == 0 && w.Field == ""
}

// Encode writes the tree into vals under the "where" prefix using the
// coordinator's bracket syntax, e.g. where[and][0][status][equals]=pending.
func (w Where) Encode(vals url.Values) error {
	return w.encode(vals, "where")
}

func (w Where) encode(vals url.Values, prefix string) error {
	switch {
	case len(w.And) > 0:
		for i, clause := range w.And {
			if err := clause.encode(vals, fmt.Sprintf("%s[and][%d]", prefix, i)); err != nil {
				return err
			}
		}
		return nil
	case len(w.Or) > 0:
		for i, clause := range w.Or {
			if err := clause.encode(vals, fmt.Sprintf("%s[or][%d]", prefix, i)); err != nil {
				return err
			}
		}
		return nil
	case w.Field != "":
		if !validOperators[w.Op] {
			return fmt.Errorf("unknown query operator %q for field %q", w.Op, w.Field)
		}
		key := fmt.Sprintf("%s[%s][%s]", prefix, w.Field, w.Op)
		if w.Op == OpIn {
			values, ok := w.Value.([]string)
			if !ok {
				return fmt.Errorf("in operator for field %q requires []string, got %T", w.Field, w.Value)
			}
			for i, v := range values {
				vals.Set(fmt.Sprintf("%s[%d]", key, i), v)
			}
			return nil
		}
		vals.Set(key, formatQueryValue(w.Value))
		return nil
	default:
		return fmt.Errorf("empty where clause under %s", prefix)
	}
}

func formatQueryValue(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case time.Time:
		return val.UTC().Format(time.RFC3339)
	default:
		return fmt.Sprintf("%v", val)
	}
}

// FindParams bounds a list query
type FindParams struct {
	Where *Where
	Limit int
	Sort  string // field name, "-" prefix for descending
	Page  int
}

// encode writes the params (including the where tree) into query values
func (p FindParams) encode() (url.Values, error) {
	vals := url.Values{}
	if p.Where != nil && !p.Where.IsZero() {
		if err := p.Where.Encode(vals); err != nil {
			return nil, err
		}
	}
	if p.Limit > 0 {
		vals.Set("limit", strconv.Itoa(p.Limit))
	}
	if p.Sort != "" {
		vals.Set("sort", p.Sort)
	}
	if p.Page > 0 {
		vals.Set("page", strconv.Itoa(p.Page))
	}
	// Flat documents only; relationship fields stay as ids
	vals.Set("depth", "0")
	return vals, nil
}
