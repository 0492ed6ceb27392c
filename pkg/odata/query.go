// Package odata parses OData v4 system query options and compiles them into
// parameterized PostgreSQL.
package odata

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// System query options.
const (
	ParamSelect  = "$select"
	ParamFilter  = "$filter"
	ParamOrderBy = "$orderby"
	ParamTop     = "$top"
	ParamSkip    = "$skip"
	ParamApply   = "$apply"
)

var queryParams = []string{ParamSelect, ParamFilter, ParamOrderBy, ParamTop, ParamSkip, ParamApply}

var (
	ErrInvalidParameters = errors.New("invalid parameters in query string")
	ErrUnknownProperty   = errors.New("unknown property")
)

// InvalidParametersError lists query-string keys that are not OData options.
type InvalidParametersError struct {
	Keys []string
}

func (e *InvalidParametersError) Error() string {
	return fmt.Sprintf("Invalid parameters in query string: %s.", strings.Join(e.Keys, ","))
}

func (e *InvalidParametersError) Unwrap() error { return ErrInvalidParameters }

// Defaults controls paging when the request does not set it.
type Defaults struct {
	Top    int
	MaxTop int // 0 means unlimited
}

// DefaultTop is used when Defaults.Top is zero.
const DefaultTop = 10

// Query is a parsed OData request against one table.
type Query struct {
	Table   string
	Select  string
	Filter  string
	Apply   string
	OrderBy string
	Top     int
	Skip    int
}

// ParseQuery reads the OData options from values. Unknown keys are rejected;
// a missing or non-integer $top/$skip falls back to the defaults.
func ParseQuery(table string, values url.Values, d Defaults) (Query, error) {
	if d.Top <= 0 {
		d.Top = DefaultTop
	}
	q := Query{Table: table, Top: d.Top}

	var invalid []string
	for key, vals := range values {
		name := canonicalParam(key)
		if name == "" {
			invalid = append(invalid, key)
			continue
		}
		v := ""
		if len(vals) > 0 {
			v = strings.TrimSpace(vals[0])
		}
		switch name {
		case ParamSelect:
			q.Select = v
		case ParamFilter:
			q.Filter = v
		case ParamOrderBy:
			q.OrderBy = v
		case ParamApply:
			q.Apply = v
		case ParamTop:
			if n, err := strconv.Atoi(v); err == nil {
				if n < 0 {
					return Query{}, &SyntaxError{Expr: v, Msg: "$top must not be negative"}
				}
				q.Top = n
			}
		case ParamSkip:
			if n, err := strconv.Atoi(v); err == nil {
				if n < 0 {
					return Query{}, &SyntaxError{Expr: v, Msg: "$skip must not be negative"}
				}
				q.Skip = n
			}
		}
	}
	if len(invalid) > 0 {
		sort.Strings(invalid)
		return Query{}, &InvalidParametersError{Keys: invalid}
	}
	if d.MaxTop > 0 && q.Top > d.MaxTop {
		q.Top = d.MaxTop
	}
	return q, nil
}

func canonicalParam(key string) string {
	for _, p := range queryParams {
		if strings.EqualFold(key, p) {
			return p
		}
	}
	return ""
}

// Values encodes q back into query-string form. Empty options are omitted.
func (q Query) Values() url.Values {
	v := url.Values{}
	if q.Select != "" {
		v.Set(ParamSelect, q.Select)
	}
	if q.Filter != "" {
		v.Set(ParamFilter, q.Filter)
	}
	if q.Apply != "" {
		v.Set(ParamApply, q.Apply)
	}
	if q.OrderBy != "" {
		v.Set(ParamOrderBy, q.OrderBy)
	}
	v.Set(ParamTop, strconv.Itoa(q.Top))
	v.Set(ParamSkip, strconv.Itoa(q.Skip))
	return v
}

// Next returns the query for the following page.
func (q Query) Next() Query {
	q.Skip += q.Top
	return q
}
