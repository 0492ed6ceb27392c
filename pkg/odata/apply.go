package odata

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/CiscoM31/godata"
)

// Transformation is one step of an $apply pipeline.
type Transformation interface {
	transformation()
}

// FilterStep restricts the rows flowing into the next step.
type FilterStep struct {
	Expr *godata.ParseNode
}

// GroupByStep groups by Properties and computes Aggregates per group.
type GroupByStep struct {
	Properties []string
	Aggregates []Aggregate
}

// AggregateStep collapses all rows into one row of Aggregates.
type AggregateStep struct {
	Aggregates []Aggregate
}

func (FilterStep) transformation()    {}
func (GroupByStep) transformation()   {}
func (AggregateStep) transformation() {}

// Aggregate is `prop with method as alias` or `$count as alias`.
// Property is empty for $count.
type Aggregate struct {
	Property string
	Method   string
	Alias    string
}

var aggregateMethods = map[string]bool{
	"sum": true, "avg": true, "min": true, "max": true, "countdistinct": true,
}

// ParseApply parses a `/`-separated $apply pipeline. godata keeps $apply as
// raw text, so only the filter() steps go through its expression parser.
func ParseApply(ctx context.Context, expr string) ([]Transformation, error) {
	if strings.TrimSpace(expr) == "" {
		return nil, &SyntaxError{Expr: expr, Msg: "empty $apply"}
	}
	var steps []Transformation
	for _, part := range splitTopLevel(expr, '/') {
		step, err := parseTransformation(ctx, part)
		if err != nil {
			var se *SyntaxError
			if errors.As(err, &se) && se.Expr == "" {
				se.Expr = expr
			}
			return nil, err
		}
		steps = append(steps, step)
	}
	return steps, nil
}

func parseTransformation(ctx context.Context, s string) (Transformation, error) {
	name, args, err := splitCall(s)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(name) {
	case "filter":
		e, err := ParseFilter(ctx, args)
		if err != nil {
			return nil, err
		}
		return FilterStep{Expr: e}, nil
	case "groupby":
		return parseGroupBy(args)
	case "aggregate":
		aggs, err := parseAggregates(args)
		if err != nil {
			return nil, err
		}
		return AggregateStep{Aggregates: aggs}, nil
	}
	return nil, &SyntaxError{Msg: fmt.Sprintf("unsupported transformation %q", name)}
}

// parseGroupBy parses the arguments of `groupby((p1,p2)[, aggregate(...) | method(p)])`.
func parseGroupBy(args string) (Transformation, error) {
	parts := splitTopLevel(args, ',')
	if len(parts) > 2 {
		return nil, &SyntaxError{Msg: "groupby takes a property list and at most one aggregation"}
	}
	list := parts[0]
	if len(list) < 2 || list[0] != '(' || list[len(list)-1] != ')' {
		return nil, &SyntaxError{Msg: "groupby expects a parenthesized property list"}
	}

	var step GroupByStep
	for _, prop := range splitTopLevel(list[1:len(list)-1], ',') {
		if !isIdentifier(prop) {
			return nil, &SyntaxError{Msg: fmt.Sprintf("invalid property %q", prop)}
		}
		step.Properties = append(step.Properties, prop)
	}
	if len(parts) == 1 {
		return step, nil
	}

	name, inner, err := splitCall(parts[1])
	if err != nil {
		return nil, err
	}
	method := strings.ToLower(name)
	switch {
	case method == "aggregate":
		step.Aggregates, err = parseAggregates(inner)
		if err != nil {
			return nil, err
		}
	case aggregateMethods[method]:
		prop := strings.TrimSpace(inner)
		if !isIdentifier(prop) {
			return nil, &SyntaxError{Msg: fmt.Sprintf("invalid property %q", prop)}
		}
		step.Aggregates = []Aggregate{{Property: prop, Method: method, Alias: prop + "_" + method}}
	default:
		return nil, &SyntaxError{Msg: fmt.Sprintf("unsupported aggregation %q", name)}
	}
	return step, nil
}

// parseAggregates parses the comma list inside aggregate(...).
func parseAggregates(args string) ([]Aggregate, error) {
	var aggs []Aggregate
	for _, item := range splitTopLevel(args, ',') {
		agg, err := parseAggregate(item)
		if err != nil {
			return nil, err
		}
		aggs = append(aggs, agg)
	}
	return aggs, nil
}

func parseAggregate(item string) (Aggregate, error) {
	f := strings.Fields(item)
	var agg Aggregate
	switch {
	case len(f) == 3 && strings.EqualFold(f[0], "$count") && strings.EqualFold(f[1], "as"):
		agg = Aggregate{Method: "count", Alias: f[2]}
	case len(f) == 5 && strings.EqualFold(f[1], "with") && strings.EqualFold(f[3], "as"):
		agg = Aggregate{Property: f[0], Method: strings.ToLower(f[2]), Alias: f[4]}
		if !isIdentifier(agg.Property) {
			return Aggregate{}, &SyntaxError{Msg: fmt.Sprintf("invalid property %q", agg.Property)}
		}
		if !aggregateMethods[agg.Method] {
			return Aggregate{}, &SyntaxError{Msg: fmt.Sprintf("unsupported aggregation method %q", f[2])}
		}
	default:
		return Aggregate{}, &SyntaxError{Msg: fmt.Sprintf("expected 'prop with method as alias' or '$count as alias', got %q", item)}
	}
	if !isIdentifier(agg.Alias) {
		return Aggregate{}, &SyntaxError{Msg: fmt.Sprintf("invalid alias %q", agg.Alias)}
	}
	return agg, nil
}

// splitCall splits `name(args)` and requires the parenthesis opened after
// name to close at the end of s.
func splitCall(s string) (string, string, error) {
	s = strings.TrimSpace(s)
	open := strings.IndexByte(s, '(')
	if open <= 0 {
		return "", "", &SyntaxError{Msg: fmt.Sprintf("expected a transformation, got %q", s)}
	}
	depth, quoted := 0, false
	for i := open; i < len(s); i++ {
		switch {
		case s[i] == '\'':
			quoted = !quoted
		case quoted:
		case s[i] == '(':
			depth++
		case s[i] == ')':
			depth--
			if depth == 0 {
				if i != len(s)-1 {
					return "", "", &SyntaxError{Msg: fmt.Sprintf("unexpected %q", strings.TrimSpace(s[i+1:]))}
				}
				return strings.TrimSpace(s[:open]), s[open+1 : i], nil
			}
		}
	}
	return "", "", &SyntaxError{Msg: fmt.Sprintf("unbalanced parentheses in %q", s)}
}
