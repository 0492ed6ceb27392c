package odata

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"github.com/CiscoM31/godata"
)

const (
	orderAsc  = "asc"
	orderDesc = "desc"
)

// OrderParam is one `$orderby` item.
type OrderParam struct {
	Property  string
	Direction string // asc or desc
}

// ParseOrderBy parses a comma list of `prop [asc|desc]`.
func ParseOrderBy(ctx context.Context, order string) ([]OrderParam, error) {
	// reject empty items and normalize the direction before godata sees them
	items := splitTopLevel(order, ',')
	for i, item := range items {
		fields := strings.Fields(item)
		if len(fields) == 0 {
			return nil, &SyntaxError{Expr: order, Msg: "empty $orderby item"}
		}
		if last := strings.ToLower(fields[len(fields)-1]); len(fields) > 1 && (last == orderAsc || last == orderDesc) {
			fields[len(fields)-1] = last
		}
		items[i] = strings.Join(fields, " ")
	}

	src, aliases := aliasIdentifiers(strings.Join(items, ","))
	parsed, err := godata.ParseOrderByString(ctx, src)
	if err != nil {
		return nil, &SyntaxError{Expr: order, Msg: err.Error()}
	}

	result := make([]OrderParam, 0, len(parsed.OrderByItems))
	for _, item := range parsed.OrderByItems {
		prop := strings.TrimSpace(item.Field.Value)
		if orig, ok := aliases[prop]; ok {
			prop = orig
		}
		if !isIdentifier(prop) {
			return nil, &SyntaxError{Expr: order, Msg: fmt.Sprintf("invalid property %q", prop)}
		}
		direction := orderAsc
		if item.Order == orderDesc {
			direction = orderDesc
		}
		result = append(result, OrderParam{Property: prop, Direction: direction})
	}
	return result, nil
}

// ParseSelect parses a comma list of properties. Nil means all columns.
func ParseSelect(ctx context.Context, sel string) ([]string, error) {
	sel = strings.TrimSpace(sel)
	if sel == "" || sel == "*" {
		return nil, nil
	}
	src, aliases := aliasIdentifiers(sel)
	parsed, err := godata.ParseSelectString(ctx, src)
	if err != nil {
		return nil, &SyntaxError{Expr: sel, Msg: err.Error()}
	}

	props := make([]string, 0, len(parsed.SelectItems))
	for _, item := range parsed.SelectItems {
		if len(item.Segments) != 1 {
			return nil, &SyntaxError{Expr: sel, Msg: "navigation properties are not supported"}
		}
		p := strings.TrimSpace(item.Segments[0].Value)
		if orig, ok := aliases[p]; ok {
			p = orig
		}
		if p == "*" {
			return nil, nil
		}
		if !isIdentifier(p) {
			return nil, &SyntaxError{Expr: sel, Msg: fmt.Sprintf("invalid property %q", p)}
		}
		props = append(props, p)
	}
	return props, nil
}

// splitTopLevel splits s by sep, ignoring separators inside parentheses or quotes.
func splitTopLevel(s string, sep rune) []string {
	var parts []string
	var current strings.Builder
	depth := 0
	quoted := false

	for _, char := range s {
		switch {
		case char == '\'':
			quoted = !quoted
		case quoted:
		case char == '(':
			depth++
		case char == ')':
			depth--
		case char == sep && depth == 0:
			parts = append(parts, strings.TrimSpace(current.String()))
			current.Reset()
			continue
		}
		current.WriteRune(char)
	}
	parts = append(parts, strings.TrimSpace(current.String()))

	return parts
}

// isIdentifier reports whether s is a plain property name: a letter or
// underscore followed by letters, digits or underscores.
func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_' || unicode.IsLetter(r):
		case i > 0 && unicode.IsDigit(r):
		default:
			return false
		}
	}
	return true
}
