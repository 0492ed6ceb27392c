// Package rest serves OData v4-style endpoints over PostgreSQL tables and
// an endpoint for calling stored functions and procedures.
//
// Tables are addressed as /odata/{table} or /odata/{schema.table}; entities
// as /odata/{table}({key}) where key is a literal (1, 'ALFKI') or, for
// composite primary keys, a list of name=value pairs.
//
//	Route                                 | Description
//	--------------------------------------|------------------------------------------
//	GET    /odata/{table}                 | query the table
//	GET    /odata/{table}({key})          | read one entity
//	POST   /odata/{table}                 | insert an entity
//	PUT    /odata/{table}({key})          | update an entity (PATCH behaves the same)
//	DELETE /odata/{table}({key})          | delete an entity
//	DELETE /odata/invalidate-cache/{table}| drop cached table metadata
//	POST   /odata/$batch                  | multipart/mixed batch of the above
//	GET    /odata/$metadata               | cached table metadata
//	GET    /odata/openapi.json            | OpenAPI document of the cached tables
//	POST   /sqlcommand/{procedure}        | call a function or procedure with a JSON object of arguments
//	GET    /healthz                       | liveness, pings the database
//
// Query options of GET /odata/{table}:
//
//	Option            | Description
//	------------------|------------------------------------------------
//	$select=a,b       | columns to return
//	$filter=expr      | boolean expression, eg Price gt 5 and contains(Name,'saw')
//	$orderby=a desc,b | sort order
//	$top=10           | page size (default 10)
//	$skip=20          | rows to skip
//	$apply=...        | filter, groupby and aggregate transformations
//
// Any other query option is rejected. A page holding more rows carries a
// nextLink to the following page.
//
// HTTP headers control the response of mutations:
//
//	Header                         | Description
//	-------------------------------|-----------------------------------------
//	Prefer: return=minimal         | 204 No Content instead of the entity
//	Prefer: return=representation  | return the updated entity on PUT/PATCH
//	Prefer: odata.maxpagesize=50   | page size when $top is absent
package rest
