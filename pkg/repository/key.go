package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/edgeflare/odatadb/pkg/odata"
	pg "github.com/edgeflare/odatadb/pkg/pgx"
	"github.com/edgeflare/odatadb/pkg/pgx/schema"
)

var ErrInvalidKey = errors.New("invalid key")

// KeyPart is one `name=value` segment of an entity key. Name is empty for
// the single-value form `Table(1)`.
type KeyPart struct {
	Name  string
	Value string
}

// ParseKey parses the text between the parentheses of `Table(...)`:
// `1`, `'ALFKI'`, `Id=1` or `OrderId=1,Line=2`. Each value must be an OData
// literal; string quotes are stripped.
func ParseKey(ctx context.Context, raw string) ([]KeyPart, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("%w: empty key", ErrInvalidKey)
	}

	segments, err := splitKey(raw)
	if err != nil {
		return nil, err
	}

	parts := make([]KeyPart, 0, len(segments))
	for _, seg := range segments {
		var part KeyPart
		name, value, named := cutUnquoted(seg, '=')
		if named {
			part.Name = strings.TrimSpace(name)
			if part.Name == "" {
				return nil, fmt.Errorf("%w: '%s'", ErrInvalidKey, raw)
			}
		} else {
			value = seg
		}
		part.Value, err = odata.ParseLiteral(ctx, value)
		if err != nil {
			return nil, fmt.Errorf("%w: '%s'", ErrInvalidKey, raw)
		}
		parts = append(parts, part)
	}

	if len(parts) > 1 {
		for _, p := range parts {
			if p.Name == "" {
				return nil, fmt.Errorf("%w: composite keys must name every column: '%s'", ErrInvalidKey, raw)
			}
		}
	}
	return parts, nil
}

// keyValues matches parsed key parts to the table's primary key columns.
func keyValues(t schema.TableInfo, parts []KeyPart) ([]pg.Value, error) {
	cols, err := t.KeyColumns()
	if err != nil {
		return nil, err
	}

	if len(parts) == 1 && parts[0].Name == "" {
		if len(cols) != 1 {
			return nil, fmt.Errorf("%w: table '%s' has a composite primary key", ErrInvalidKey, t.Name)
		}
		return []pg.Value{{Column: cols[0].Name, Type: cols[0].CastType(), Value: parts[0].Value}}, nil
	}

	if len(parts) != len(cols) {
		return nil, fmt.Errorf("%w: expected %d key values for table '%s', got %d", ErrInvalidKey, len(cols), t.Name, len(parts))
	}
	values := make([]pg.Value, 0, len(cols))
	for _, col := range cols {
		found := false
		for _, p := range parts {
			if strings.EqualFold(p.Name, col.Name) {
				values = append(values, pg.Value{Column: col.Name, Type: col.CastType(), Value: p.Value})
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("%w: missing value for key column '%s'", ErrInvalidKey, col.Name)
		}
	}
	return values, nil
}

// FormatKey renders key values the way they appear in an entity URL.
func FormatKey(t schema.TableInfo, row pg.Row) string {
	if len(t.PrimaryKey) == 0 {
		return ""
	}
	format := func(v any) string {
		if s, ok := v.(string); ok {
			return "'" + strings.ReplaceAll(s, "'", "''") + "'"
		}
		return fmt.Sprint(pg.TextArg(v))
	}
	if len(t.PrimaryKey) == 1 {
		return format(row[t.PrimaryKey[0]])
	}
	parts := make([]string, 0, len(t.PrimaryKey))
	for _, k := range t.PrimaryKey {
		parts = append(parts, k+"="+format(row[k]))
	}
	return strings.Join(parts, ",")
}

func splitKey(raw string) ([]string, error) {
	var segments []string
	var current strings.Builder
	quoted := false
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		switch {
		case c == '\'':
			quoted = !quoted
		case c == ',' && !quoted:
			segments = append(segments, current.String())
			current.Reset()
			continue
		}
		current.WriteByte(c)
	}
	if quoted {
		return nil, fmt.Errorf("%w: unterminated quote in '%s'", ErrInvalidKey, raw)
	}
	return append(segments, current.String()), nil
}

func cutUnquoted(s string, sep byte) (string, string, bool) {
	quoted := false
	for i := 0; i < len(s); i++ {
		switch {
		case s[i] == '\'':
			quoted = !quoted
		case s[i] == sep && !quoted:
			return s[:i], s[i+1:], true
		}
	}
	return s, "", false
}
