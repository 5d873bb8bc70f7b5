package resource

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/seedworks/seed/internal/store"
)

func TestSwaggerEndpoints(t *testing.T) {
	gin.SetMode(gin.TestMode)
	d := store.NewMemoryDriver(nil)
	require.NoError(t, d.Register(context.Background(), widgets))
	a, err := d.Collection("widgets")
	require.NoError(t, err)

	r := gin.New()
	RegisterSwagger(r, "seed", "v1.0.0", New(a))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/swagger/index.html", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "SwaggerUIBundle")
	require.Contains(t, w.Body.String(), "<title>seed")

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/swagger/doc.json", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var doc struct {
		OpenAPI string                                `json:"openapi"`
		Paths   map[string]map[string]json.RawMessage `json:"paths"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &doc))
	require.Equal(t, "3.0.0", doc.OpenAPI)
	require.Contains(t, doc.Paths, "/widgets")
	require.Contains(t, doc.Paths, "/widgets/{widget_id}")
	require.Contains(t, doc.Paths["/widgets"], "head")
	require.Contains(t, doc.Paths["/widgets/{widget_id}"], "delete")
}
