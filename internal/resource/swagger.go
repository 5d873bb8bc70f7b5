package resource

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// RegisterSwagger registers the OpenAPI endpoints for the given handlers.
// - GET /swagger/index.html  -> a small HTML page that loads the OpenAPI JSON
// - GET /swagger/doc.json    -> machine-readable OpenAPI JSON
func RegisterSwagger(r gin.IRouter, title, version string, handlers ...*Handler) {
	doc := OpenAPI(title, version, handlers...)
	page := strings.ReplaceAll(swaggerHTML, "{{title}}", title)

	r.GET("/swagger/index.html", func(c *gin.Context) {
		c.Header("Content-Type", "text/html; charset=utf-8")
		c.String(http.StatusOK, page)
	})
	r.GET("/swagger/doc.json", func(c *gin.Context) {
		c.JSON(http.StatusOK, doc)
	})
}

// OpenAPI builds an OpenAPI 3 document describing every handler's routes.
func OpenAPI(title, version string, handlers ...*Handler) gin.H {
	paths := gin.H{}
	for _, h := range handlers {
		member := h.Member()
		schema := h.schema()
		idParam := gin.H{"name": h.idParam(), "in": "path", "required": true, "schema": gin.H{"type": "integer"}}
		listParams := []gin.H{
			queryParam(paramLimit, "integer", "Maximum number of documents"),
			queryParam(paramPage, "integer", "Page number, starting at 1"),
			queryParam(paramPerPage, "integer", "Page size; overrides limit"),
			queryParam(paramColumns, "string", "Comma separated fields to return"),
			queryParam(paramSort, "string", "Comma separated fields, '-' prefix sorts descending"),
		}
		body := gin.H{"required": true, "content": gin.H{"application/json": gin.H{"schema": schema}}}
		ok := func(desc string) gin.H {
			return gin.H{"description": desc, "content": gin.H{"application/json": gin.H{"schema": schema}}}
		}
		errResp := func(desc string) gin.H {
			return gin.H{"description": desc, "content": gin.H{"application/json": gin.H{"schema": messageSchema}}}
		}

		paths[openAPIPath(h.SetURL())] = gin.H{
			"get": gin.H{
				"summary":    "List " + member + "s",
				"tags":       []string{member},
				"parameters": listParams,
				"responses": gin.H{
					"200": gin.H{
						"description": member + " list",
						"headers":     gin.H{TotalHeader: gin.H{"schema": gin.H{"type": "integer"}}},
						"content":     gin.H{"application/json": gin.H{"schema": gin.H{"type": "array", "items": schema}}},
					},
					"400": errResp("invalid query parameter"),
				},
			},
			"head": gin.H{
				"summary":    "Count " + member + "s",
				"tags":       []string{member},
				"parameters": listParams,
				"responses":  gin.H{"200": gin.H{"description": "count in the " + TotalHeader + " header"}},
			},
			"post": gin.H{
				"summary":     "Create a " + member,
				"tags":        []string{member},
				"requestBody": body,
				"responses": gin.H{
					"201": ok("created " + member),
					"400": errResp("missing required field"),
					"500": errResp("storage failure"),
				},
			},
		}
		paths[openAPIPath(h.MemberURL())] = gin.H{
			"get": gin.H{
				"summary":    "Get a " + member,
				"tags":       []string{member},
				"parameters": []gin.H{idParam, queryParam(paramColumns, "string", "Comma separated fields to return")},
				"responses": gin.H{
					"200": ok(member),
					"400": errResp("identity is not an integer"),
					"404": errResp(member + " not found"),
				},
			},
			"post": gin.H{
				"summary":     "Update a " + member,
				"tags":        []string{member},
				"parameters":  []gin.H{idParam, queryParam("unset", "string", "Comma separated fields to remove")},
				"requestBody": body,
				"responses": gin.H{
					"200": ok("updated " + member),
					"400": errResp("field not accepted"),
					"404": errResp(member + " not found"),
					"500": errResp("storage failure"),
				},
			},
			"delete": gin.H{
				"summary":    "Delete a " + member,
				"tags":       []string{member},
				"parameters": []gin.H{idParam},
				"responses": gin.H{
					"204": gin.H{"description": "deleted"},
					"404": errResp(member + " not found"),
					"500": errResp("storage failure"),
				},
			},
		}
	}
	paths["/health"] = gin.H{"get": gin.H{"summary": "Liveness check", "responses": gin.H{"200": gin.H{"description": "healthy"}}}}
	paths["/ready"] = gin.H{"get": gin.H{"summary": "Readiness check", "responses": gin.H{"200": gin.H{"description": "ready"}, "503": gin.H{"description": "not ready"}}}}

	return gin.H{
		"openapi": "3.0.0",
		"info":    gin.H{"title": title, "version": version},
		"paths":   paths,
	}
}

var messageSchema = gin.H{"type": "object", "properties": gin.H{"message": gin.H{"type": "string"}}}

func (h *Handler) schema() gin.H {
	props := gin.H{"_id": gin.H{"type": "integer", "readOnly": true}}
	for _, f := range h.desc.Allowed() {
		props[f] = gin.H{}
	}
	if h.desc.SerialField != "" {
		props[h.desc.SerialField] = gin.H{"type": "string", "readOnly": true}
	}
	s := gin.H{"type": "object", "properties": props}
	if len(h.desc.Required) > 0 {
		s["required"] = h.desc.Required
	}
	return s
}

func queryParam(name, typ, desc string) gin.H {
	return gin.H{"name": name, "in": "query", "required": false, "description": desc, "schema": gin.H{"type": typ}}
}

// openAPIPath rewrites gin's :param segments as {param}.
func openAPIPath(p string) string {
	parts := strings.Split(p, "/")
	for i, s := range parts {
		if strings.HasPrefix(s, ":") {
			parts[i] = "{" + s[1:] + "}"
		}
	}
	return strings.Join(parts, "/")
}

const swaggerHTML = `<!doctype html>
<html>
  <head>
    <meta charset="utf-8" />
    <title>{{title}} - Swagger</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@4/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@4/swagger-ui-bundle.js"></script>
    <script>
      window.ui = SwaggerUIBundle({
        url: '/swagger/doc.json',
        dom_id: '#swagger-ui',
      })
    </script>
  </body>
</html>`
