package odata

import (
	"context"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/CiscoM31/godata"
)

// SyntaxError reports a malformed OData expression.
type SyntaxError struct {
	Expr string
	Msg  string
}

func (e *SyntaxError) Error() string {
	if e.Expr == "" {
		return "syntax error: " + e.Msg
	}
	return fmt.Sprintf("syntax error in '%s': %s", e.Expr, e.Msg)
}

// listExpr is the token value godata gives the parent node of an `in (...)` list.
const listExpr = "list"

// functionArity lists supported canonical functions with min and max argument counts.
var functionArity = map[string][2]int{
	"contains":   {2, 2},
	"startswith": {2, 2},
	"endswith":   {2, 2},
	"tolower":    {1, 1},
	"toupper":    {1, 1},
	"length":     {1, 1},
	"trim":       {1, 1},
	"concat":     {2, 2},
	"indexof":    {2, 2},
	"substring":  {2, 3},
	"year":       {1, 1},
	"month":      {1, 1},
	"day":        {1, 1},
	"hour":       {1, 1},
	"minute":     {1, 1},
	"second":     {1, 1},
}

// ParseFilter parses an OData $filter expression into a godata parse tree
// and checks that it only uses supported operators and functions.
func ParseFilter(ctx context.Context, expr string) (*godata.ParseNode, error) {
	if strings.TrimSpace(expr) == "" {
		return nil, &SyntaxError{Expr: expr, Msg: "empty expression"}
	}
	src, aliases := aliasIdentifiers(expr)
	filter, err := godata.ParseFilterString(ctx, src)
	if err != nil {
		return nil, &SyntaxError{Expr: expr, Msg: err.Error()}
	}
	if filter == nil || filter.Tree == nil {
		return nil, &SyntaxError{Expr: expr, Msg: "empty expression"}
	}
	restoreAliases(filter.Tree, aliases)
	if err := checkNode(filter.Tree); err != nil {
		err.Expr = expr
		return nil, err
	}
	return filter.Tree, nil
}

func checkNode(n *godata.ParseNode) *SyntaxError {
	if n == nil || n.Token == nil {
		return &SyntaxError{Msg: "incomplete expression"}
	}
	value := strings.ToLower(n.Token.Value)

	switch n.Token.Type {
	case godata.ExpressionTokenLogical:
		want := 2
		switch value {
		case "not":
			want = 1
		case "has":
			return &SyntaxError{Msg: "operator 'has' is not supported"}
		}
		if len(n.Children) != want {
			return &SyntaxError{Msg: fmt.Sprintf("operator '%s' takes %d operands, got %d", value, want, len(n.Children))}
		}
	case godata.ExpressionTokenOp:
		if len(n.Children) != 2 {
			return &SyntaxError{Msg: fmt.Sprintf("operator '%s' takes 2 operands, got %d", value, len(n.Children))}
		}
	case godata.ExpressionTokenFunc:
		arity, ok := functionArity[value]
		if !ok {
			return &SyntaxError{Msg: fmt.Sprintf("unknown function %q", n.Token.Value)}
		}
		if got := len(n.Children); got < arity[0] || got > arity[1] {
			return &SyntaxError{Msg: fmt.Sprintf("function %s takes %s arguments, got %d", value, arityString(arity), got)}
		}
	case godata.ExpressionTokenLiteral:
		if len(n.Children) > 0 {
			return &SyntaxError{Msg: fmt.Sprintf("unknown function %q", n.Token.Value)}
		}
	case godata.ExpressionTokenString, godata.ExpressionTokenInteger, godata.ExpressionTokenFloat,
		godata.ExpressionTokenBoolean, godata.ExpressionTokenNull, godata.ExpressionTokenDate,
		godata.ExpressionTokenTime, godata.ExpressionTokenDateTime, godata.ExpressionTokenGuid:
		if len(n.Children) > 0 {
			return &SyntaxError{Msg: fmt.Sprintf("unexpected %q", n.Token.Value)}
		}
	default:
		if n.Token.Value != listExpr {
			return &SyntaxError{Msg: fmt.Sprintf("unsupported expression %q", n.Token.Value)}
		}
	}

	for _, child := range n.Children {
		if err := checkNode(child); err != nil {
			return err
		}
	}
	return nil
}

func arityString(a [2]int) string {
	if a[0] == a[1] {
		return fmt.Sprint(a[0])
	}
	return fmt.Sprintf("%d to %d", a[0], a[1])
}

// ParseLiteral parses a single primitive literal such as 42, 'O''Brien' or
// a GUID and returns its text, with string quoting removed. A bare word is
// returned as is.
func ParseLiteral(ctx context.Context, text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", &SyntaxError{Msg: "empty literal"}
	}
	// godata has no entry point for a lone literal, so it is parsed as the
	// right operand of a comparison.
	src, aliases := aliasIdentifiers(text)
	filter, err := godata.ParseFilterString(ctx, "k eq "+src)
	if err != nil {
		return "", &SyntaxError{Expr: text, Msg: err.Error()}
	}
	root := filter.Tree
	if root == nil || root.Token == nil || !strings.EqualFold(root.Token.Value, "eq") || len(root.Children) != 2 ||
		root.Children[0].Token.Value != "k" || len(root.Children[0].Children) > 0 || len(root.Children[1].Children) > 0 {
		return "", &SyntaxError{Expr: text, Msg: "not a literal"}
	}

	lit := root.Children[1].Token
	switch lit.Type {
	case godata.ExpressionTokenString:
		return unquoteString(lit.Value), nil
	case godata.ExpressionTokenInteger, godata.ExpressionTokenFloat, godata.ExpressionTokenBoolean,
		godata.ExpressionTokenDate, godata.ExpressionTokenTime, godata.ExpressionTokenDateTime,
		godata.ExpressionTokenGuid:
		return lit.Value, nil
	case godata.ExpressionTokenLiteral:
		if orig, ok := aliases[lit.Value]; ok {
			return orig, nil
		}
		return lit.Value, nil
	}
	return "", &SyntaxError{Expr: text, Msg: "not a literal"}
}

// unquoteString strips the quotes of an OData string literal and collapses
// '' escapes.
func unquoteString(v string) string {
	if len(v) >= 2 && v[0] == '\'' && v[len(v)-1] == '\'' {
		v = v[1 : len(v)-1]
	}
	return strings.ReplaceAll(v, "''", "'")
}

// aliasIdentifiers replaces identifiers containing non-ASCII letters with
// ASCII placeholders, since godata only tokenizes ASCII property names.
// String literals are left untouched.
func aliasIdentifiers(src string) (string, map[string]string) {
	var (
		out     strings.Builder
		aliases map[string]string
		quoted  bool
	)
	for i := 0; i < len(src); {
		r, size := utf8.DecodeRuneInString(src[i:])
		if r == '\'' {
			quoted = !quoted
		}
		if quoted || !(r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)) {
			out.WriteRune(r)
			i += size
			continue
		}

		end, ascii := i, true
		for end < len(src) {
			r, size := utf8.DecodeRuneInString(src[end:])
			if r != '_' && !unicode.IsLetter(r) && !unicode.IsDigit(r) {
				break
			}
			if r >= utf8.RuneSelf {
				ascii = false
			}
			end += size
		}
		word := src[i:end]
		if !ascii && !unicode.IsDigit(r) {
			if aliases == nil {
				aliases = map[string]string{}
			}
			alias := fmt.Sprintf("xUnicodeIdent%dx", len(aliases))
			for a, orig := range aliases {
				if orig == word {
					alias = a
				}
			}
			aliases[alias] = word
			word = alias
		}
		out.WriteString(word)
		i = end
	}
	return out.String(), aliases
}

func restoreAliases(n *godata.ParseNode, aliases map[string]string) {
	if n == nil || len(aliases) == 0 {
		return
	}
	if n.Token != nil && n.Token.Type == godata.ExpressionTokenLiteral {
		if orig, ok := aliases[n.Token.Value]; ok {
			n.Token.Value = orig
		}
	}
	for _, child := range n.Children {
		restoreAliases(child, aliases)
	}
}
