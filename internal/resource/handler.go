// Package resource binds a store.Adapter to the REST endpoints of one
// resource type:
//
//	GET|HEAD /{member}s             list
//	GET      /{member}s/:{member}_id get
//	POST     /{member}s             create
//	POST     /{member}s/:{member}_id update
//	DELETE   /{member}s/:{member}_id delete
//
// Handlers record failures with c.Error; middleware.Errors renders them.
package resource

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/seedworks/seed/internal/apperr"
	"github.com/seedworks/seed/internal/store"
	"github.com/seedworks/seed/pkg/metrics"
	"github.com/seedworks/seed/pkg/middleware"
)

// TotalHeader carries the match count of a list request.
const TotalHeader = "Total"

// RemoveCheck runs before a delete. Any error it returns vetoes the delete
// and is rendered unchanged.
type RemoveCheck func(ctx context.Context, id int64) error

// Option configures a Handler.
type Option func(*Handler)

// WithRemoveCheck installs a pre-delete hook.
func WithRemoveCheck(fn RemoveCheck) Option {
	return func(h *Handler) { h.removeCheck = fn }
}

// Handler serves one resource type.
type Handler struct {
	adapter     store.Adapter
	desc        store.Descriptor
	allowed     map[string]bool
	removeCheck RemoveCheck
}

// New returns a handler for the adapter's collection.
func New(adapter store.Adapter, opts ...Option) *Handler {
	desc := adapter.Descriptor()
	h := &Handler{adapter: adapter, desc: desc, allowed: map[string]bool{}}
	for _, f := range desc.Allowed() {
		h.allowed[f] = true
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Member is the singular resource name.
func (h *Handler) Member() string { return h.desc.Member }

// SetURL is the collection URL, e.g. /widgets.
func (h *Handler) SetURL() string { return "/" + h.desc.Member + "s" }

// MemberURL is the instance URL, e.g. /widgets/:widget_id.
func (h *Handler) MemberURL() string { return h.SetURL() + "/:" + h.idParam() }

func (h *Handler) idParam() string { return h.desc.Member + "_id" }

// Register binds the five routes on r.
func (h *Handler) Register(r gin.IRouter) {
	r.GET(h.SetURL(), h.wrap("list", false, h.list))
	r.HEAD(h.SetURL(), h.wrap("list", false, h.list))
	r.GET(h.MemberURL(), h.wrap("get", false, h.get))
	r.POST(h.SetURL(), h.wrap("create", true, h.create))
	r.POST(h.MemberURL(), h.wrap("update", true, h.update))
	r.DELETE(h.MemberURL(), h.wrap("delete", true, h.delete))
}

// wrap records metrics and hands errors to the error middleware. Mutating
// operations also log success or failure with the request path.
func (h *Handler) wrap(op string, logged bool, fn func(c *gin.Context) error) gin.HandlerFunc {
	name := h.adapter.Name()
	label := strings.ToUpper(op[:1]) + op[1:] + " " + h.desc.Member
	return func(c *gin.Context) {
		start := time.Now()
		err := fn(c)
		metrics.ResourceLatency.WithLabelValues(name, op).Observe(time.Since(start).Seconds())
		metrics.ResourceOps.WithLabelValues(name, op, outcome(err)).Inc()

		if logged {
			lg := middleware.LoggerFrom(c)
			if err != nil {
				ev := lg.Error().Str("path", c.Request.URL.Path).Str("op", label).Err(err)
				if cause := errors.Unwrap(err); cause != nil {
					ev = ev.Str("detail", cause.Error())
				}
				ev.Msgf("%s %s failed.", c.Request.URL.Path, label)
			} else {
				lg.Info().Str("path", c.Request.URL.Path).Str("op", label).
					Msgf("%s %s success.", c.Request.URL.Path, label)
			}
		}
		if err != nil {
			_ = c.Error(err)
		}
	}
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, apperr.KindNotFound):
		return "not_found"
	case apperr.Status(err) < http.StatusInternalServerError:
		return "client_error"
	}
	return "error"
}

// projection combines the requested columns with the hidden fields.
func (h *Handler) projection(columns store.Projection) store.Projection {
	if len(columns) == 0 {
		return store.Without(h.desc.Hidden...)
	}
	out := store.Projection{}
	for f, keep := range columns {
		out[f] = keep
	}
	for _, f := range h.desc.Hidden {
		delete(out, f)
	}
	if len(out) == 0 {
		return store.Only(store.IDField)
	}
	return out
}

func (h *Handler) resourceID(c *gin.Context) (int64, error) {
	return store.CoerceID(c.Param(h.idParam()))
}

func (h *Handler) notFound(id int64) error {
	title := strings.ToUpper(h.desc.Member[:1]) + h.desc.Member[1:]
	return apperr.NotFound(fmt.Sprintf("%s %d not found.", title, id))
}

// internal hides storage detail behind a generic 500 on read paths.
func internal(err error) error {
	if apperr.Status(err) < http.StatusInternalServerError {
		return err
	}
	return apperr.WithCause(apperr.KindInternalServerError, "", err)
}

func (h *Handler) list(c *gin.Context) error {
	params, err := ParseList(c.Request.URL.Query())
	if err != nil {
		return err
	}
	sortBy := params.Sort
	if len(sortBy) == 0 {
		sortBy = h.desc.Sort
	}
	ctx := c.Request.Context()
	cur, err := h.adapter.Query(ctx, store.Query{
		Filter:     params.Filter,
		Sort:       sortBy,
		Projection: h.projection(params.Projection),
		Skip:       params.Skip,
		Limit:      params.Limit,
	})
	if err != nil {
		return internal(err)
	}
	defer cur.Close(ctx)

	total, err := cur.Count(ctx)
	if err != nil {
		return internal(err)
	}
	c.Header(TotalHeader, strconv.FormatInt(total, 10))
	if c.Request.Method == http.MethodHead {
		c.Status(http.StatusOK)
		return nil
	}

	docs := make([]store.Document, 0)
	for cur.Next(ctx) {
		docs = append(docs, cur.Document())
	}
	if err := cur.Err(); err != nil {
		return internal(err)
	}
	c.JSON(http.StatusOK, docs)
	return nil
}

func (h *Handler) get(c *gin.Context) error {
	id, err := h.resourceID(c)
	if err != nil {
		return err
	}
	proj := h.projection(ParseColumns(c.Query(paramColumns)))
	doc, err := h.adapter.Get(c.Request.Context(), id, proj)
	if err != nil {
		return internal(err)
	}
	if doc == nil {
		return h.notFound(id)
	}
	c.JSON(http.StatusOK, doc)
	return nil
}

func bindObject(c *gin.Context) (store.Document, error) {
	var body map[string]any
	if err := c.ShouldBindJSON(&body); err != nil || body == nil {
		return nil, apperr.BadRequest("Request body must be a JSON object.")
	}
	return store.Document(body), nil
}

func (h *Handler) create(c *gin.Context) error {
	body, err := bindObject(c)
	if err != nil {
		return err
	}
	for _, key := range h.desc.Required {
		if _, ok := body[key]; !ok {
			return apperr.BadRequest(fmt.Sprintf("%s field must be not None.", key))
		}
	}
	doc, err := h.adapter.Create(c.Request.Context(), body)
	if err != nil {
		return apperr.WithCause(apperr.KindInternalServerError,
			fmt.Sprintf("Cannot create %s, %s.", h.desc.Member, err.Error()), err)
	}
	c.JSON(http.StatusCreated, h.projection(nil).Apply(doc))
	return nil
}

// update accepts an optional ?unset=a,b list of fields to remove.
func (h *Handler) update(c *gin.Context) error {
	id, err := h.resourceID(c)
	if err != nil {
		return err
	}
	body, err := bindObject(c)
	if err != nil {
		return err
	}
	var unset []string
	for _, f := range strings.Split(c.Query("unset"), ",") {
		if f = strings.TrimSpace(f); f != "" {
			unset = append(unset, f)
		}
	}
	if len(h.allowed) > 0 {
		for key := range body {
			if key != store.IDField && !h.allowed[key] {
				return apperr.BadRequest(fmt.Sprintf("Cannot accept %s field.", key))
			}
		}
		for _, key := range unset {
			if !h.allowed[key] {
				return apperr.BadRequest(fmt.Sprintf("Cannot accept %s field.", key))
			}
		}
	}
	delete(body, store.IDField)

	doc, err := h.adapter.Update(c.Request.Context(), id, body, unset, h.projection(nil))
	if err != nil {
		return apperr.WithCause(apperr.KindInternalServerError,
			fmt.Sprintf("Cannot update %s, %s.", h.desc.Member, err.Error()), err)
	}
	if doc == nil {
		return h.notFound(id)
	}
	c.JSON(http.StatusOK, doc)
	return nil
}

func (h *Handler) delete(c *gin.Context) error {
	id, err := h.resourceID(c)
	if err != nil {
		return err
	}
	ctx := c.Request.Context()
	if h.removeCheck != nil {
		if err := h.removeCheck(ctx, id); err != nil {
			return err
		}
	}
	removed, err := h.adapter.Delete(ctx, id)
	if err != nil {
		return apperr.WithCause(apperr.KindInternalServerError,
			fmt.Sprintf("Delete %s failed, %s", h.desc.Member, err.Error()), err)
	}
	if !removed {
		return h.notFound(id)
	}
	c.Status(http.StatusNoContent)
	return nil
}
