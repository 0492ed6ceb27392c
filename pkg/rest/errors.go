package rest

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/edgeflare/odatadb/pkg/odata"
	"github.com/edgeflare/odatadb/pkg/pgx/schema"
	"github.com/edgeflare/odatadb/pkg/repository"
	"github.com/edgeflare/odatadb/pkg/service"
	"github.com/jackc/pgx/v5/pgconn"
)

// PostgreSQL error codes the handlers distinguish.
const (
	pgUndefinedTable    = "42P01"
	pgUndefinedColumn   = "42703"
	pgUndefinedFunction = "42883"
	pgDatatypeMismatch  = "42804"
	pgUniqueViolation   = "23505"
	pgNotNullViolation  = "23502"
	pgForeignKey        = "23503"
	pgCheckViolation    = "23514"
)

type operation int

const (
	opQuery operation = iota
	opQueryByKey
	opInsert
	opUpdate
	opDelete
)

func pgErrorCode(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code, true
	}
	return "", false
}

// isDataError reports whether code means the supplied values did not fit
// the columns: data exceptions (class 22) and constraint violations on values.
func isDataError(code string) bool {
	switch code {
	case pgNotNullViolation, pgForeignKey, pgCheckViolation:
		return true
	}
	return strings.HasPrefix(code, "22")
}

// detail returns the message of err without the leading sentinel text.
func detail(err, sentinel error) string {
	msg := err.Error()
	if rest, ok := strings.CutPrefix(msg, sentinel.Error()+": "); ok {
		return rest
	}
	return msg
}

// odataStatus maps an error of op on table to a status code and message.
func odataStatus(op operation, table, key string, err error) (int, string) {
	code, isPg := pgErrorCode(err)

	var syntaxErr *odata.SyntaxError
	switch {
	case errors.As(err, &syntaxErr), errors.Is(err, odata.ErrInvalidParameters):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, repository.ErrEmptyTable):
		return http.StatusBadRequest, "Table name is required."
	case errors.Is(err, schema.ErrTableNotFound), code == pgUndefinedTable:
		return http.StatusNotFound, fmt.Sprintf("Table '%s' does not exist.", table)
	case errors.Is(err, odata.ErrUnknownProperty):
		return http.StatusNotFound, detail(err, odata.ErrUnknownProperty)
	case errors.Is(err, repository.ErrUnknownColumn):
		return http.StatusBadRequest, "Unknown column " + detail(err, repository.ErrUnknownColumn) + "."
	case errors.Is(err, repository.ErrNothingToUpdate):
		return http.StatusBadRequest, fmt.Sprintf("No updatable columns in request body for table '%s'.", table)
	case errors.Is(err, repository.ErrReadOnlyRelation):
		return http.StatusBadRequest, fmt.Sprintf("Table '%s' is read-only.", table)
	case errors.Is(err, repository.ErrInvalidKey):
		return http.StatusBadRequest, fmt.Sprintf("Invalid key '%s' for table '%s': %s.", key, table, detail(err, repository.ErrInvalidKey))
	case errors.Is(err, schema.ErrNoPrimaryKey):
		return http.StatusNotFound, fmt.Sprintf("Could not retrieve table '%s' with primary key of requested data type.", table)
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound, fmt.Sprintf("Could not retrieve record with key '%s' from table '%s'.", key, table)
	case code == pgUndefinedColumn:
		return http.StatusNotFound, pgMessage(err)
	}

	switch op {
	case opInsert:
		switch {
		case code == pgUniqueViolation:
			return http.StatusBadRequest, fmt.Sprintf("Error inserting the record into '%s', PRIMARY KEY violation.", table)
		case isPg && isDataError(code):
			return http.StatusBadRequest, fmt.Sprintf("Error inserting the record into '%s', corrupted data present in request body.", table)
		}
		return http.StatusInternalServerError, fmt.Sprintf("Error inserting record into table '%s'.", table)
	case opUpdate:
		switch {
		case code == pgUniqueViolation:
			return http.StatusBadRequest, fmt.Sprintf("Error updating record with key '%s' in table '%s', unique constraint violation.", key, table)
		case isPg && isDataError(code):
			return http.StatusBadRequest, fmt.Sprintf("Could not retrieve record with requested data type, key '%s' from table '%s'.", key, table)
		}
		return http.StatusInternalServerError, fmt.Sprintf("Error updating record with key '%s' from table '%s'.", key, table)
	case opDelete:
		switch {
		case code == pgForeignKey:
			return http.StatusBadRequest, fmt.Sprintf("Record with key '%s' in table '%s' is still referenced.", key, table)
		case isPg && isDataError(code):
			return http.StatusBadRequest, fmt.Sprintf("Could not retrieve record with requested data type, key '%s' from table '%s'.", key, table)
		}
		return http.StatusInternalServerError, fmt.Sprintf("Error deleting record with key '%s' from table '%s'.", key, table)
	case opQueryByKey:
		if isPg && isDataError(code) {
			return http.StatusBadRequest, fmt.Sprintf("Could not retrieve record with requested data type, key '%s' from table '%s'.", key, table)
		}
		return http.StatusInternalServerError, fmt.Sprintf("Error retrieving record with key '%s' from table '%s'.", key, table)
	}

	// a filter comparing or calling across incompatible types
	if isPg && (isDataError(code) || code == pgUndefinedFunction || code == pgDatatypeMismatch) {
		return http.StatusBadRequest, pgMessage(err)
	}
	return http.StatusInternalServerError, fmt.Sprintf("Error retrieving records from '%s'.", table)
}

// commandStatus maps an error of a stored procedure call to a status code and message.
func commandStatus(name string, err error) (int, string) {
	var verr *service.ValidationError
	if errors.As(err, &verr) {
		return http.StatusBadRequest, verr.Message
	}
	if errors.Is(err, repository.ErrProcedureNotFound) {
		return http.StatusNotFound, fmt.Sprintf("Could not find stored procedure: %s.", name)
	}

	code, isPg := pgErrorCode(err)
	switch {
	case code == pgUndefinedFunction:
		return http.StatusNotFound, fmt.Sprintf("Could not find stored procedure: %s.", name)
	case isPg && strings.HasPrefix(code, "22"):
		return http.StatusBadRequest, "Corrupted data: " + pgMessage(err)
	case isPg && !strings.HasPrefix(code, "08"):
		return http.StatusBadRequest, fmt.Sprintf("The stored procedure '%s' has thrown an error.", name)
	}
	return http.StatusInternalServerError, fmt.Sprintf("Error running stored procedure '%s'.", name)
}

func pgMessage(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Message
	}
	return err.Error()
}
