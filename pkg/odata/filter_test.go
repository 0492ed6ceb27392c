package odata

import (
	"context"
	"strings"
	"testing"

	"github.com/CiscoM31/godata"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// render prints a parse tree in prefix form, eg (gt Price 10).
func render(n *godata.ParseNode) string {
	if len(n.Children) == 0 {
		return n.Token.Value
	}
	parts := []string{strings.ToLower(n.Token.Value)}
	for _, c := range n.Children {
		parts = append(parts, render(c))
	}
	return "(" + strings.Join(parts, " ") + ")"
}

func TestParseFilter(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"comparison", "Price gt 10", "(gt Price 10)"},
		{"and binds tighter than or", "A eq 1 or B eq 2 and C eq 3", "(or (eq A 1) (and (eq B 2) (eq C 3)))"},
		{"parentheses", "(A eq 1 or B eq 2) and C eq 3", "(and (or (eq A 1) (eq B 2)) (eq C 3))"},
		{"arithmetic precedence", "Price add 2 mul 3 gt 10", "(gt (add Price (mul 2 3)) 10)"},
		{"nested functions", "startswith(tolower(Name), Code)", "(startswith (tolower Name) Code)"},
		{"substring with length", "substring(Name,1,2) eq Code", "(eq (substring Name 1 2) Code)"},
		{"non-ascii property", "Größe gt 5 and Straße eq Größe", "(and (gt Größe 5) (eq Straße Größe))"},
	}
	ctx := context.Background()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := ParseFilter(ctx, tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, render(n))
		})
	}
}

func TestParseFilterErrors(t *testing.T) {
	for _, input := range []string{
		"",
		"  ",
		"Price gt",
		"(A eq 1",
		"Name eq 'abc",
		"A eq 1 & B eq 2",
		"contains(Name)",
		"frobnicate(Name)",
	} {
		_, err := ParseFilter(context.Background(), input)
		var syntaxErr *SyntaxError
		assert.ErrorAs(t, err, &syntaxErr, input)
	}
}

func TestSyntaxErrorMessage(t *testing.T) {
	err := &SyntaxError{Expr: "a eq", Msg: "incomplete expression"}
	assert.Equal(t, "syntax error in 'a eq': incomplete expression", err.Error())
	assert.Equal(t, "syntax error: empty $apply", (&SyntaxError{Msg: "empty $apply"}).Error())
}

func TestParseLiteral(t *testing.T) {
	ctx := context.Background()
	tests := map[string]string{
		"42":          "42",
		" 7 ":         "7",
		"'ALFKI'":     "ALFKI",
		"'O''Brien'":  "O'Brien",
		"'a, b = c'":  "a, b = c",
		"2024-01-31":  "2024-01-31",
		"true":        "true",
		"Größe":       "Größe",
	}
	for in, want := range tests {
		got, err := ParseLiteral(ctx, in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	for _, in := range []string{"", "'open", "1 or 1", "1 eq 1", "contains(a,'b')"} {
		_, err := ParseLiteral(ctx, in)
		var syntaxErr *SyntaxError
		assert.ErrorAs(t, err, &syntaxErr, in)
	}
}

func TestAliasIdentifiers(t *testing.T) {
	src, aliases := aliasIdentifiers("Größe eq 'Größe' and Größe gt Id")
	assert.Equal(t, "xUnicodeIdent0x eq 'Größe' and xUnicodeIdent0x gt Id", src)
	assert.Equal(t, map[string]string{"xUnicodeIdent0x": "Größe"}, aliases)

	src, aliases = aliasIdentifiers("Name eq 'x'")
	assert.Equal(t, "Name eq 'x'", src)
	assert.Nil(t, aliases)
}
