package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	pg "github.com/edgeflare/odatadb/pkg/pgx"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

var ErrProcedureNotFound = errors.New("could not find stored procedure")

type RoutineKind string

const (
	KindFunction  RoutineKind = "FUNCTION"
	KindProcedure RoutineKind = "PROCEDURE"
)

// Parameter describes one routine argument. Unnamed arguments are named "$<position>".
type Parameter struct {
	Name      string `json:"name"`
	Position  int    `json:"position"`
	Mode      string `json:"mode"` // IN, OUT or INOUT
	DataType  string `json:"dataType"`
	UDTSchema string `json:"udtSchema"`
	UDTName   string `json:"udtName"`
}

// IsInput reports whether callers supply a value for p.
func (p Parameter) IsInput() bool {
	return p.Mode == "IN" || p.Mode == "INOUT"
}

func (p Parameter) isJSON() bool {
	return (p.UDTSchema == "" || p.UDTSchema == "pg_catalog") && (p.UDTName == "json" || p.UDTName == "jsonb")
}

func (p Parameter) CastType() string {
	if p.UDTSchema == "" || p.UDTSchema == "pg_catalog" {
		return pgx.Identifier{p.UDTName}.Sanitize()
	}
	return pgx.Identifier{p.UDTSchema, p.UDTName}.Sanitize()
}

// Procedure is a function or procedure with its parameters in declaration order.
type Procedure struct {
	Schema     string      `json:"schema"`
	Name       string      `json:"name"`
	Kind       RoutineKind `json:"kind"`
	Parameters []Parameter `json:"parameters"`
}

// Inputs returns the parameters callers supply values for.
func (p Procedure) Inputs() []Parameter {
	in := make([]Parameter, 0, len(p.Parameters))
	for _, param := range p.Parameters {
		if param.IsInput() {
			in = append(in, param)
		}
	}
	return in
}

// CommandRepository discovers and executes stored functions and procedures.
type CommandRepository struct {
	conn          pg.Conn
	defaultSchema string
	logger        *zap.Logger
}

func NewCommandRepository(conn pg.Conn, defaultSchema string, logger *zap.Logger) *CommandRepository {
	if defaultSchema == "" {
		defaultSchema = "public"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CommandRepository{conn: conn, defaultSchema: defaultSchema, logger: logger}
}

// Procedure looks a routine up by name ("name" or "schema.name"),
// case-insensitively. Of overloaded routines the first by specific name wins.
func (r *CommandRepository) Procedure(ctx context.Context, name string) (Procedure, error) {
	schemaName, routine := r.defaultSchema, name
	if s, n, ok := strings.Cut(name, "."); ok && s != "" && n != "" {
		schemaName, routine = s, n
	}

	var p Procedure
	var specificName string
	err := r.conn.QueryRow(ctx, `
		SELECT routine_schema, routine_name, specific_name, COALESCE(routine_type, 'FUNCTION')
		FROM information_schema.routines
		WHERE lower(routine_schema) = lower($1) AND lower(routine_name) = lower($2)
		ORDER BY (routine_schema = $1 AND routine_name = $2) DESC, specific_name
		LIMIT 1`, schemaName, routine).Scan(&p.Schema, &p.Name, &specificName, &p.Kind)
	if errors.Is(err, pgx.ErrNoRows) {
		return Procedure{}, fmt.Errorf("%w: %s", ErrProcedureNotFound, name)
	}
	if err != nil {
		return Procedure{}, fmt.Errorf("query routine %s: %w", name, err)
	}

	rows, err := r.conn.Query(ctx, `
		SELECT COALESCE(parameter_name, ''), ordinal_position, COALESCE(parameter_mode, 'IN'), data_type, udt_schema, udt_name
		FROM information_schema.parameters
		WHERE specific_schema = $1 AND specific_name = $2
		ORDER BY ordinal_position`, p.Schema, specificName)
	if err != nil {
		return Procedure{}, fmt.Errorf("query parameters %s: %w", name, err)
	}
	defer rows.Close()

	for rows.Next() {
		var param Parameter
		if err := rows.Scan(&param.Name, &param.Position, &param.Mode, &param.DataType, &param.UDTSchema, &param.UDTName); err != nil {
			return Procedure{}, err
		}
		if param.Name == "" {
			param.Name = "$" + strconv.Itoa(param.Position)
		}
		p.Parameters = append(p.Parameters, param)
	}
	if err := rows.Err(); err != nil {
		return Procedure{}, err
	}
	return p, nil
}

// Execute calls p with args keyed by parameter name. Missing inputs are
// passed as NULL; OUT parameters of procedures are passed as NULL as CALL requires.
func (r *CommandRepository) Execute(ctx context.Context, p Procedure, args map[string]any) ([]pg.Row, error) {
	sql, values := callStatement(p, args)
	r.logger.Debug("execute routine", zap.String("sql", sql), zap.Int("args", len(values)))
	return pg.QueryRows(ctx, r.conn, sql, values...)
}

// argument renders v for param. json and jsonb take the JSON encoding of v,
// so the string "abc" arrives as the JSON string "\"abc\"".
func argument(param Parameter, v any) any {
	if v == nil || !param.isJSON() {
		return pg.TextArg(v)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return pg.TextArg(v)
	}
	return string(b)
}

func callStatement(p Procedure, args map[string]any) (string, []any) {
	var values []any
	var list []string
	for _, param := range p.Parameters {
		switch {
		case param.IsInput():
			values = append(values, argument(param, args[param.Name]))
			list = append(list, fmt.Sprintf("CAST($%d::text AS %s)", len(values), param.CastType()))
		case p.Kind == KindProcedure:
			list = append(list, "NULL")
		}
	}

	ident := pgx.Identifier{p.Schema, p.Name}.Sanitize()
	if p.Kind == KindProcedure {
		return fmt.Sprintf("CALL %s(%s)", ident, strings.Join(list, ", ")), values
	}
	return fmt.Sprintf("SELECT * FROM %s(%s)", ident, strings.Join(list, ", ")), values
}
