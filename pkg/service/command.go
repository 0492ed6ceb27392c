package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/edgeflare/odatadb/pkg/metrics"
	pg "github.com/edgeflare/odatadb/pkg/pgx"
	"github.com/edgeflare/odatadb/pkg/repository"
)

// CommandRepository discovers and runs stored routines.
type CommandRepository interface {
	Procedure(ctx context.Context, name string) (repository.Procedure, error)
	Execute(ctx context.Context, p repository.Procedure, args map[string]any) ([]pg.Row, error)
}

// ValidationError reports arguments that do not fit a routine's parameters.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func invalid(format string, args ...any) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

type CommandService struct {
	repo CommandRepository
}

func NewCommandService(repo CommandRepository) *CommandService {
	return &CommandService{repo: repo}
}

// ExecuteProcedure validates params against the parameters of the routine
// called name and runs it. Every input parameter must be given; null is
// accepted for all of them.
func (s *CommandService) ExecuteProcedure(ctx context.Context, name string, params map[string]any) ([]pg.Row, error) {
	p, err := s.repo.Procedure(ctx, name)
	if err != nil {
		metrics.ProcedureExecutions.WithLabelValues("not_found").Inc()
		return nil, err
	}
	if err := validateParameters(p, params); err != nil {
		metrics.ProcedureExecutions.WithLabelValues("invalid").Inc()
		return nil, err
	}

	rows, err := s.repo.Execute(ctx, p, params)
	if err != nil {
		metrics.ProcedureExecutions.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.ProcedureExecutions.WithLabelValues("ok").Inc()
	return rows, nil
}

func validateParameters(p repository.Procedure, params map[string]any) error {
	inputs := p.Inputs()
	known := make(map[string]bool, len(inputs))

	for _, param := range inputs {
		known[param.Name] = true
		value, ok := params[param.Name]
		if !ok {
			return invalid("Procedure parameter '%s' is missing.", param.Name)
		}

		expected, err := parameterCategory(param)
		if err != nil {
			return err
		}
		if value == nil || expected == categoryAny {
			continue
		}
		if got := valueCategory(value); !expected.accepts(got) {
			return invalid("Procedure parameter '%s' has an invalid type. Expected '%s', but got '%s'.", param.Name, typeName(param), got)
		}
	}

	var unknown []string
	for key := range params {
		if !known[key] {
			unknown = append(unknown, key)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return invalid("Unknown procedure parameters for '%s': %s.", p.Name, strings.Join(unknown, ","))
	}
	return nil
}

type category string

const (
	categoryString  category = "string"
	categoryInteger category = "integer"
	categoryNumber  category = "number"
	categoryBoolean category = "boolean"
	categoryObject  category = "object"
	categoryArray   category = "array"
	categoryAny     category = "any"
)

// accepts reports whether a JSON value of category got fits a parameter of
// category c. Integers fit number parameters.
func (c category) accepts(got category) bool {
	return c == got || (c == categoryNumber && got == categoryInteger)
}

// Parameter categories by udt_name.
var parameterCategories = map[string]category{
	"text": categoryString, "varchar": categoryString, "bpchar": categoryString,
	"char": categoryString, "name": categoryString, "citext": categoryString,

	"int2": categoryInteger, "int4": categoryInteger, "int8": categoryInteger,

	"numeric": categoryNumber, "float4": categoryNumber, "float8": categoryNumber,
	"money": categoryNumber,

	"bool": categoryBoolean,

	"date": categoryString, "time": categoryString, "timetz": categoryString,
	"timestamp": categoryString, "timestamptz": categoryString, "interval": categoryString,
	"uuid": categoryString, "inet": categoryString, "cidr": categoryString,
	"macaddr": categoryString, "bytea": categoryString, "xml": categoryString,

	"json": categoryAny, "jsonb": categoryAny,
}

func parameterCategory(p repository.Parameter) (category, error) {
	if p.UDTSchema != "" && p.UDTSchema != "pg_catalog" && p.DataType == "USER-DEFINED" {
		// enums and domains take their text form
		return categoryString, nil
	}
	if c, ok := parameterCategories[p.UDTName]; ok {
		return c, nil
	}
	return "", invalid("Invalid SQL type: %s", typeName(p))
}

func typeName(p repository.Parameter) string {
	if p.DataType != "" && p.DataType != "USER-DEFINED" {
		return p.DataType
	}
	return p.UDTName
}

func valueCategory(v any) category {
	switch val := v.(type) {
	case string:
		return categoryString
	case bool:
		return categoryBoolean
	case json.Number:
		if _, err := val.Int64(); err == nil {
			return categoryInteger
		}
		return categoryNumber
	case float64:
		if val == float64(int64(val)) {
			return categoryInteger
		}
		return categoryNumber
	case int, int32, int64:
		return categoryInteger
	case map[string]any:
		return categoryObject
	case []any:
		return categoryArray
	}
	return category(fmt.Sprintf("%T", v))
}
