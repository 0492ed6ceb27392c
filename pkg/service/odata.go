// Package service sits between the HTTP handlers and the repositories. It
// shapes query results into pages and validates stored procedure calls.
package service

import (
	"context"
	"errors"

	"github.com/edgeflare/odatadb/pkg/odata"
	pg "github.com/edgeflare/odatadb/pkg/pgx"
	"github.com/edgeflare/odatadb/pkg/pgx/schema"
	"github.com/edgeflare/odatadb/pkg/repository"
)

// ErrNotFound is returned by QueryByKey when no row has the key.
var ErrNotFound = errors.New("record not found")

// ODataRepository is the storage ODataService runs against.
type ODataRepository interface {
	TableInfo(ctx context.Context, table string) (schema.TableInfo, error)
	Query(ctx context.Context, q odata.Query) ([]pg.Row, error)
	QueryByKey(ctx context.Context, table, key string) ([]pg.Row, error)
	Insert(ctx context.Context, table string, data map[string]any) (pg.Row, error)
	Update(ctx context.Context, table, key string, data map[string]any) (pg.Row, bool, error)
	Delete(ctx context.Context, table, key string) (bool, error)
	InvalidateTableInfo(table string) bool
}

// QueryResult is one page of a collection query.
type QueryResult struct {
	Count    int      `json:"count"`
	NextLink string   `json:"nextLink,omitempty"`
	Value    []pg.Row `json:"value"`
}

type ODataService struct {
	repo ODataRepository
}

func NewODataService(repo ODataRepository) *ODataService {
	return &ODataService{repo: repo}
}

// Query returns the page selected by q. When another page exists NextLink is
// collectionURL with the query string of the following page.
func (s *ODataService) Query(ctx context.Context, q odata.Query, collectionURL string) (QueryResult, error) {
	rows, err := s.repo.Query(ctx, q)
	if err != nil {
		return QueryResult{}, err
	}

	result := QueryResult{Value: rows}
	if len(rows) > q.Top {
		result.Value = rows[:q.Top]
		// $top=0 asks for an empty page, not a link to the same empty page
		if q.Top > 0 {
			result.NextLink = collectionURL + "?" + q.Next().Values().Encode()
		}
	}
	if result.Value == nil {
		result.Value = []pg.Row{}
	}
	result.Count = len(result.Value)
	return result, nil
}

// QueryByKey returns the row of table identified by key.
func (s *ODataService) QueryByKey(ctx context.Context, table, key string) (pg.Row, error) {
	rows, err := s.repo.QueryByKey(ctx, table, key)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return rows[0], nil
}

// Insert stores data and returns the inserted row along with its key as used in entity URLs.
func (s *ODataService) Insert(ctx context.Context, table string, data map[string]any) (pg.Row, string, error) {
	row, err := s.repo.Insert(ctx, table, data)
	if err != nil {
		return nil, "", err
	}
	info, err := s.repo.TableInfo(ctx, table)
	if err != nil {
		return row, "", nil
	}
	return row, repository.FormatKey(info, row), nil
}

func (s *ODataService) Update(ctx context.Context, table, key string, data map[string]any) (pg.Row, bool, error) {
	return s.repo.Update(ctx, table, key, data)
}

func (s *ODataService) Delete(ctx context.Context, table, key string) (bool, error) {
	return s.repo.Delete(ctx, table, key)
}

func (s *ODataService) InvalidateTableInfo(table string) bool {
	return s.repo.InvalidateTableInfo(table)
}
