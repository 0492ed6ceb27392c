package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/edgeflare/odatadb/pkg/httputil"
	"github.com/edgeflare/odatadb/pkg/httputil/middleware"
	"github.com/edgeflare/odatadb/pkg/odata"
	pg "github.com/edgeflare/odatadb/pkg/pgx"
	"github.com/edgeflare/odatadb/pkg/service"
	"go.uber.org/zap"
)

// ODataService is what the OData handlers run against.
type ODataService interface {
	Query(ctx context.Context, q odata.Query, collectionURL string) (service.QueryResult, error)
	QueryByKey(ctx context.Context, table, key string) (pg.Row, error)
	Insert(ctx context.Context, table string, data map[string]any) (pg.Row, string, error)
	Update(ctx context.Context, table, key string, data map[string]any) (pg.Row, bool, error)
	Delete(ctx context.Context, table, key string) (bool, error)
	InvalidateTableInfo(table string) bool
}

// CommandService runs stored functions and procedures.
type CommandService interface {
	ExecuteProcedure(ctx context.Context, name string, params map[string]any) ([]pg.Row, error)
}

// Options configures a Server. Zero values fall back to the defaults.
type Options struct {
	BasePath      string // default "/odata"
	CommandPath   string // default "/sqlcommand"
	PublicURL     string // scheme://host used in links, derived from the request when empty
	Defaults      odata.Defaults
	MaxBatchParts int          // default 100
	Metadata      http.Handler // served at GET {BasePath}/$metadata when set
	OpenAPI       http.Handler // served at GET {BasePath}/openapi.json when set
	Pinger        pg.Pinger    // pinged by GET /healthz when set
	Logger        *zap.Logger
}

const defaultMaxBatchParts = 100

// resource is "table" or "table(key)"; table may be schema qualified.
var resourcePattern = regexp.MustCompile(`^([\w.]+)(?:\((.*)\))?$`)

type Server struct {
	odata    ODataService
	commands CommandService
	opts     Options
	logger   *zap.Logger
	dispatch http.Handler
}

func NewServer(odataService ODataService, commands CommandService, opts Options) *Server {
	if opts.BasePath == "" {
		opts.BasePath = "/odata"
	}
	if opts.CommandPath == "" {
		opts.CommandPath = "/sqlcommand"
	}
	opts.BasePath = "/" + strings.Trim(opts.BasePath, "/")
	opts.CommandPath = "/" + strings.Trim(opts.CommandPath, "/")
	if opts.MaxBatchParts <= 0 {
		opts.MaxBatchParts = defaultMaxBatchParts
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{odata: odataService, commands: commands, opts: opts, logger: logger}
}

// Register mounts the routes on r. $batch parts are dispatched on the same
// mux, below the root middleware the outer request already passed.
func (s *Server) Register(r *httputil.Router) {
	g := r.Group(s.opts.BasePath)
	g.HandleFunc("GET /{resource}", s.handleGet)
	g.HandleFunc("POST /{resource}", s.handleInsert)
	g.HandleFunc("PUT /{resource}", s.handleUpdate)
	g.HandleFunc("PATCH /{resource}", s.handleUpdate)
	g.HandleFunc("DELETE /{resource}", s.handleDelete)
	g.HandleFunc("DELETE /invalidate-cache/{table}", s.handleInvalidate)
	g.HandleFunc("POST /$batch", s.handleBatch)
	if s.opts.Metadata != nil {
		g.Handle("GET /$metadata", s.opts.Metadata)
	}
	if s.opts.OpenAPI != nil {
		g.Handle("GET /openapi.json", s.opts.OpenAPI)
	}

	if s.commands != nil {
		r.Group(s.opts.CommandPath).HandleFunc("POST /{procedure}", s.handleCommand)
	}
	r.HandleFunc("GET /healthz", s.handleHealth)

	s.dispatch = g
}

func (s *Server) log(r *http.Request) *zap.Logger {
	logger, ok := middleware.LogEntry(r.Context())
	if !ok {
		logger = s.logger
	}
	if user, ok := httputil.BasicAuthUser(r); ok {
		logger = logger.With(zap.String("user", user))
	}
	return logger
}

// fail writes an error response. Server errors are logged with err, client errors as warnings.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, status int, msg string, err error) {
	logger := s.log(r)
	if status >= http.StatusInternalServerError {
		logger.Error(msg, zap.Error(err))
	} else {
		logger.Warn(msg, zap.Error(err))
	}
	httputil.Error(w, status, msg)
}

func (s *Server) failOData(w http.ResponseWriter, r *http.Request, op operation, table, key string, err error) {
	status, msg := odataStatus(op, table, key, err)
	s.fail(w, r, status, msg, err)
}

// resource splits the {resource} path value into table and key.
func (s *Server) resource(w http.ResponseWriter, r *http.Request) (table, key string, hasKey, ok bool) {
	raw := r.PathValue("resource")
	m := resourcePattern.FindStringSubmatch(raw)
	if m == nil {
		s.fail(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid resource path '%s'.", raw), nil)
		return "", "", false, false
	}
	return m[1], m[2], strings.HasSuffix(raw, ")"), true
}

// baseURL is scheme://host of links in responses.
func (s *Server) baseURL(r *http.Request) string {
	if s.opts.PublicURL != "" {
		return strings.TrimSuffix(s.opts.PublicURL, "/")
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto == "http" || proto == "https" {
		scheme = proto
	}
	return scheme + "://" + r.Host
}

func (s *Server) collectionURL(r *http.Request, table string) string {
	return s.baseURL(r) + s.opts.BasePath + "/" + url.PathEscape(table)
}

var keyEscaper = strings.NewReplacer(" ", "%20", "#", "%23", "?", "%3F", "/", "%2F")

func (s *Server) entityURL(r *http.Request, table, key string) string {
	return s.collectionURL(r, table) + "(" + keyEscaper.Replace(key) + ")"
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	table, key, hasKey, ok := s.resource(w, r)
	if !ok {
		return
	}
	if hasKey {
		s.queryByKey(w, r, table, key)
		return
	}
	s.query(w, r, table)
}

func (s *Server) query(w http.ResponseWriter, r *http.Request, table string) {
	defaults := s.opts.Defaults
	prefer := parsePrefer(r)
	if prefer != nil && prefer.MaxPageSize > 0 {
		defaults.Top = prefer.MaxPageSize
	}

	q, err := odata.ParseQuery(table, r.URL.Query(), defaults)
	if err != nil {
		s.failOData(w, r, opQuery, table, "", err)
		return
	}

	result, err := s.odata.Query(r.Context(), q, s.collectionURL(r, table))
	if err != nil {
		s.failOData(w, r, opQuery, table, "", err)
		return
	}
	if applied := prefer.applied(true); applied != "" {
		w.Header().Set("Preference-Applied", applied)
	}
	if result.Count == 0 {
		s.log(r).Debug(fmt.Sprintf("No records found for '%s'.", table))
		w.WriteHeader(http.StatusNoContent)
		return
	}
	httputil.JSON(w, http.StatusOK, result)
}

func (s *Server) queryByKey(w http.ResponseWriter, r *http.Request, table, key string) {
	row, err := s.odata.QueryByKey(r.Context(), table, key)
	if err != nil {
		s.failOData(w, r, opQueryByKey, table, key, err)
		return
	}
	httputil.JSON(w, http.StatusOK, row)
}

func (s *Server) handleInsert(w http.ResponseWriter, r *http.Request) {
	table, _, hasKey, ok := s.resource(w, r)
	if !ok {
		return
	}
	if hasKey {
		s.fail(w, r, http.StatusBadRequest, fmt.Sprintf("Cannot insert into an entity of table '%s'; post to the collection.", table), nil)
		return
	}

	var data map[string]any
	if err := httputil.BindOrError(r, w, &data); err != nil {
		return
	}

	row, key, err := s.odata.Insert(r.Context(), table, data)
	if err != nil {
		s.failOData(w, r, opInsert, table, "", err)
		return
	}
	s.log(r).Debug(fmt.Sprintf("Successfully inserted record into table '%s'.", table))

	if key != "" {
		w.Header().Set("Location", s.entityURL(r, table, key))
	}
	prefer := parsePrefer(r)
	if applied := prefer.applied(false); applied != "" {
		w.Header().Set("Preference-Applied", applied)
	}
	if prefer.WantsMinimal() {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	httputil.JSON(w, http.StatusCreated, row)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	table, key, ok := s.entity(w, r)
	if !ok {
		return
	}

	var data map[string]any
	if err := httputil.BindOrError(r, w, &data); err != nil {
		return
	}

	row, found, err := s.odata.Update(r.Context(), table, key, data)
	if err != nil {
		s.failOData(w, r, opUpdate, table, key, err)
		return
	}
	if !found {
		s.fail(w, r, http.StatusNotFound, fmt.Sprintf("Could not retrieve record with key '%s' from table '%s' for updating.", key, table), nil)
		return
	}

	prefer := parsePrefer(r)
	if applied := prefer.applied(false); applied != "" {
		w.Header().Set("Preference-Applied", applied)
	}
	switch {
	case prefer.WantsRepresentation():
		httputil.JSON(w, http.StatusOK, row)
	case prefer.WantsMinimal():
		w.WriteHeader(http.StatusNoContent)
	default:
		httputil.Message(w, http.StatusOK, fmt.Sprintf("Successfully updated record with key '%s' in table '%s'.", key, table))
	}
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	table, key, ok := s.entity(w, r)
	if !ok {
		return
	}

	found, err := s.odata.Delete(r.Context(), table, key)
	if err != nil {
		s.failOData(w, r, opDelete, table, key, err)
		return
	}
	if !found {
		s.fail(w, r, http.StatusNotFound, fmt.Sprintf("Could not retrieve record with key '%s' from table '%s' for deletion.", key, table), nil)
		return
	}
	httputil.Message(w, http.StatusOK, fmt.Sprintf("Successfully deleted record with key '%s' from table '%s'.", key, table))
}

// entity resolves a resource that must address a single entity.
func (s *Server) entity(w http.ResponseWriter, r *http.Request) (table, key string, ok bool) {
	table, key, hasKey, ok := s.resource(w, r)
	if !ok {
		return "", "", false
	}
	if !hasKey {
		s.fail(w, r, http.StatusBadRequest, fmt.Sprintf("A key is required to %s a record of table '%s'.", strings.ToLower(r.Method), table), nil)
		return "", "", false
	}
	return table, key, true
}

func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	table := r.PathValue("table")
	if !s.odata.InvalidateTableInfo(table) {
		s.fail(w, r, http.StatusNotFound, fmt.Sprintf("Table info '%s' not found in the cache.", table), nil)
		return
	}
	s.log(r).Info("table info invalidated", zap.String("table", table))
	httputil.Message(w, http.StatusOK, fmt.Sprintf("Table info cache for '%s' has been invalidated.", table))
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("procedure")

	params, err := decodeObject(r.Body)
	if err != nil {
		s.fail(w, r, http.StatusBadRequest, "Corrupted data: "+err.Error(), err)
		return
	}

	rows, err := s.commands.ExecuteProcedure(r.Context(), name, params)
	if err != nil {
		status, msg := commandStatus(name, err)
		s.fail(w, r, status, msg, err)
		return
	}
	if len(rows) == 0 {
		httputil.Message(w, http.StatusOK, fmt.Sprintf("Did not retrieve any results from stored procedure '%s'.", name))
		return
	}
	httputil.JSON(w, http.StatusOK, rows)
}

// decodeObject reads an optional JSON object, keeping numbers as json.Number.
func decodeObject(body io.Reader) (map[string]any, error) {
	params := map[string]any{}
	if body == nil {
		return params, nil
	}
	dec := json.NewDecoder(body)
	dec.UseNumber()
	if err := dec.Decode(&params); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	if params == nil {
		params = map[string]any{}
	}
	return params, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.opts.Pinger != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.opts.Pinger.Ping(ctx); err != nil {
			s.fail(w, r, http.StatusServiceUnavailable, "database unavailable", err)
			return
		}
	}
	httputil.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
