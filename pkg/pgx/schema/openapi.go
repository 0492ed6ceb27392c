package schema

import (
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/edgeflare/odatadb/pkg/httputil"
)

// OpenAPIInfo contains API metadata for the OpenAPI document
type OpenAPIInfo struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Version     string `json:"version"`
}

// OpenAPIGenerator describes the OData routes of the tables in a Cache.
// Only tables that have been loaded into the cache are listed.
type OpenAPIGenerator struct {
	cache     *Cache
	baseURL   string
	info      OpenAPIInfo
	basicAuth bool
}

// NewOpenAPIGenerator creates a generator for the service rooted at baseURL,
// e.g. "https://api.example.com/odata".
func NewOpenAPIGenerator(cache *Cache, baseURL string, info OpenAPIInfo) *OpenAPIGenerator {
	return &OpenAPIGenerator{
		cache:   cache,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		info:    info,
	}
}

// WithBasicAuth declares HTTP basic authentication on every operation.
func (g *OpenAPIGenerator) WithBasicAuth(enabled bool) *OpenAPIGenerator {
	g.basicAuth = enabled
	return g
}

// ServeHTTP implements http.Handler to serve the OpenAPI document
func (g *OpenAPIGenerator) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	httputil.JSON(w, http.StatusOK, g.GenerateSpecification())
}

// GenerateSpecification creates the OpenAPI 3.1 document
func (g *OpenAPIGenerator) GenerateSpecification() map[string]any {
	tables := g.cache.Snapshot()
	keys := make([]string, 0, len(tables))
	for k := range tables {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	paths := make(map[string]any)
	schemas := map[string]any{
		"Error": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"message": map[string]string{"type": "string"},
				"code":    map[string]string{"type": "integer"},
			},
		},
	}

	for _, k := range keys {
		table := tables[k]
		name := g.resourceName(table)

		paths["/"+name] = g.buildCollectionOperations(table)
		if len(table.PrimaryKey) > 0 {
			paths["/"+name+"({key})"] = g.buildEntityOperations(table)
		}
		schemas[table.FullName()] = g.buildTableSchema(table)
		schemas[table.FullName()+".page"] = map[string]any{
			"type": "object",
			"properties": map[string]any{
				"count":    map[string]string{"type": "integer"},
				"nextLink": map[string]string{"type": "string", "format": "uri"},
				"value":    map[string]any{"type": "array", "items": ref(table.FullName())},
			},
		}
	}

	components := map[string]any{"schemas": schemas}
	spec := map[string]any{
		"openapi": "3.1.0",
		"info": map[string]any{
			"title":       g.info.Title,
			"description": g.info.Description,
			"version":     g.info.Version,
		},
		"servers":    []map[string]any{{"url": g.baseURL}},
		"paths":      paths,
		"components": components,
	}
	if g.basicAuth {
		components["securitySchemes"] = map[string]any{
			"basicAuth": map[string]any{"type": "http", "scheme": "basic"},
		}
		spec["security"] = []map[string][]string{{"basicAuth": {}}}
	}
	return spec
}

// resourceName is the path segment clients use for table.
func (g *OpenAPIGenerator) resourceName(table TableInfo) string {
	if strings.EqualFold(table.Schema, g.cache.defaultSchema) {
		return table.Name
	}
	return table.FullName()
}

func ref(name string) map[string]string {
	return map[string]string{"$ref": "#/components/schemas/" + name}
}

func jsonContent(schema any) map[string]any {
	return map[string]any{"application/json": map[string]any{"schema": schema}}
}

func errorResponse(description string) map[string]any {
	return map[string]any{"description": description, "content": jsonContent(ref("Error"))}
}

var preferHeader = map[string]any{
	"name":        "Prefer",
	"in":          "header",
	"description": "return=minimal or return=representation",
	"schema":      map[string]string{"type": "string"},
}

func (g *OpenAPIGenerator) buildCollectionOperations(table TableInfo) map[string]any {
	params := []map[string]any{
		{"name": "$select", "in": "query", "description": "Comma-separated columns to return", "schema": map[string]string{"type": "string"}},
		{"name": "$filter", "in": "query", "description": "Boolean filter expression", "schema": map[string]string{"type": "string"}},
		{"name": "$orderby", "in": "query", "description": "Columns to sort by, each optionally followed by asc or desc", "schema": map[string]string{"type": "string"}},
		{"name": "$apply", "in": "query", "description": "filter, groupby and aggregate transformations", "schema": map[string]string{"type": "string"}},
		{"name": "$top", "in": "query", "description": "Page size", "schema": map[string]any{"type": "integer", "minimum": 0}},
		{"name": "$skip", "in": "query", "description": "Rows to skip", "schema": map[string]any{"type": "integer", "minimum": 0}},
		{"name": "Prefer", "in": "header", "description": "odata.maxpagesize=n", "schema": map[string]string{"type": "string"}},
	}

	ops := map[string]any{
		"get": map[string]any{
			"summary":    fmt.Sprintf("Query %s", table.FullName()),
			"parameters": params,
			"responses": map[string]any{
				"200": map[string]any{"description": "A page of records", "content": jsonContent(ref(table.FullName() + ".page"))},
				"204": map[string]string{"description": "No records matched"},
				"400": errorResponse("Invalid query options"),
				"404": errorResponse("Unknown table or column"),
			},
			"tags": []string{table.Schema},
		},
	}
	if table.Type == TypeTable {
		ops["post"] = map[string]any{
			"summary":     fmt.Sprintf("Insert into %s", table.FullName()),
			"parameters":  []map[string]any{preferHeader},
			"requestBody": map[string]any{"required": true, "content": jsonContent(ref(table.FullName()))},
			"responses": map[string]any{
				"201": map[string]any{"description": "Created", "content": jsonContent(ref(table.FullName()))},
				"204": map[string]string{"description": "Created, no content requested"},
				"400": errorResponse("Invalid record"),
			},
			"tags": []string{table.Schema},
		}
	}
	return ops
}

func (g *OpenAPIGenerator) buildEntityOperations(table TableInfo) map[string]any {
	key := map[string]any{
		"name":        "key",
		"in":          "path",
		"required":    true,
		"description": fmt.Sprintf("Primary key (%s); composite keys as name=value pairs", strings.Join(table.PrimaryKey, ", ")),
		"schema":      map[string]string{"type": "string"},
	}
	ops := map[string]any{
		"get": map[string]any{
			"summary":    fmt.Sprintf("Get a %s record", table.FullName()),
			"parameters": []map[string]any{key},
			"responses": map[string]any{
				"200": map[string]any{"description": "The record", "content": jsonContent(ref(table.FullName()))},
				"404": errorResponse("Not found"),
			},
			"tags": []string{table.Schema},
		},
	}
	if table.Type != TypeTable {
		return ops
	}

	update := map[string]any{
		"summary":     fmt.Sprintf("Update a %s record", table.FullName()),
		"parameters":  []map[string]any{key, preferHeader},
		"requestBody": map[string]any{"required": true, "content": jsonContent(map[string]string{"type": "object"})},
		"responses": map[string]any{
			"200": map[string]string{"description": "Updated"},
			"204": map[string]string{"description": "Updated, no content requested"},
			"400": errorResponse("Invalid record"),
			"404": errorResponse("Not found"),
		},
		"tags": []string{table.Schema},
	}
	ops["put"] = update
	ops["patch"] = update
	ops["delete"] = map[string]any{
		"summary":    fmt.Sprintf("Delete a %s record", table.FullName()),
		"parameters": []map[string]any{key},
		"responses": map[string]any{
			"200": map[string]string{"description": "Deleted"},
			"404": errorResponse("Not found"),
		},
		"tags": []string{table.Schema},
	}
	return ops
}

func (g *OpenAPIGenerator) buildTableSchema(table TableInfo) map[string]any {
	properties := make(map[string]any)
	var required []string

	for _, col := range table.Columns {
		s := columnSchema(col)
		if col.IsNullable {
			s["type"] = []any{s["type"], "null"}
		} else {
			required = append(required, col.Name)
		}
		properties[col.Name] = s
	}

	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// columnSchema maps a PostgreSQL column type to an OpenAPI schema.
func columnSchema(col Column) map[string]any {
	switch col.UDTName {
	case "int2":
		return map[string]any{"type": "integer", "format": "int16"}
	case "int4":
		return map[string]any{"type": "integer", "format": "int32"}
	case "int8":
		return map[string]any{"type": "integer", "format": "int64"}
	case "float4":
		return map[string]any{"type": "number", "format": "float"}
	case "float8":
		return map[string]any{"type": "number", "format": "double"}
	case "numeric", "money":
		return map[string]any{"type": "number"}
	case "bool":
		return map[string]any{"type": "boolean"}
	case "date":
		return map[string]any{"type": "string", "format": "date"}
	case "timestamp", "timestamptz":
		return map[string]any{"type": "string", "format": "date-time"}
	case "time", "timetz":
		return map[string]any{"type": "string", "format": "time"}
	case "uuid":
		return map[string]any{"type": "string", "format": "uuid"}
	case "bytea":
		return map[string]any{"type": "string", "format": "byte"}
	case "json", "jsonb":
		return map[string]any{"type": "object", "additionalProperties": true}
	}
	if col.DataType == "ARRAY" {
		return map[string]any{"type": "array", "items": map[string]any{}}
	}
	return map[string]any{"type": "string"}
}
