package resource

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/seedworks/seed/internal/apperr"
	"github.com/seedworks/seed/internal/store"
)

// Reserved query parameters; everything else is a filter.
const (
	paramLimit   = "limit"
	paramPage    = "page"
	paramPerPage = "per_page"
	paramColumns = "columns"
	paramSort    = "sort"
)

// ListParams is the parsed form of a list request's query string.
type ListParams struct {
	Filter     store.Document
	Sort       []store.SortField
	Projection store.Projection
	Skip       int64
	Limit      int64
}

// ParseList turns query parameters into a filter and paging options.
// Keys ending in "_id" are coerced to integers; _id itself fails the same way
// a bad path identity does. per_page overrides limit
// and skip is (page-1)*per_page.
func ParseList(values url.Values) (ListParams, error) {
	var p ListParams
	filter := store.Document{}
	for key, vals := range values {
		if len(vals) == 0 {
			continue
		}
		switch key {
		case paramLimit, paramPage, paramPerPage, paramColumns, paramSort:
			continue
		}
		v := vals[0]
		if key == store.IDField {
			n, err := store.CoerceID(v)
			if err != nil {
				return p, err
			}
			filter[key] = n
			continue
		}
		if strings.HasSuffix(key, "_id") {
			n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
			if err != nil {
				return p, apperr.BadRequest(fmt.Sprintf("%s must be integer.", key))
			}
			filter[key] = n
			continue
		}
		filter[key] = v
	}

	limit, err := intParam(values, paramLimit, 0)
	if err != nil {
		return p, err
	}
	page, err := intParam(values, paramPage, 1)
	if err != nil {
		return p, err
	}
	perPage, err := intParam(values, paramPerPage, 0)
	if err != nil {
		return p, err
	}
	if perPage > 0 {
		limit = perPage
	}
	if page < 1 {
		page = 1
	}
	skip := (page - 1) * perPage
	if limit < 0 || skip < 0 {
		return p, apperr.BadRequest("limit and per_page must not be negative.")
	}

	p.Filter = filter
	p.Limit = limit
	p.Skip = skip
	p.Projection = ParseColumns(values.Get(paramColumns))
	p.Sort = ParseSort(values.Get(paramSort))
	return p, nil
}

// ParseColumns turns "a,b" into an inclusive projection. Empty input means
// no projection.
func ParseColumns(raw string) store.Projection {
	var fields []string
	for _, f := range strings.Split(raw, ",") {
		if f = strings.TrimSpace(f); f != "" {
			fields = append(fields, f)
		}
	}
	return store.Only(fields...)
}

// ParseSort reads "name,-created": a leading '-' sorts descending.
func ParseSort(raw string) []store.SortField {
	var out []store.SortField
	for _, f := range strings.Split(raw, ",") {
		f = strings.TrimSpace(f)
		if f == "" || f == "-" {
			continue
		}
		if strings.HasPrefix(f, "-") {
			out = append(out, store.SortField{Field: f[1:], Desc: true})
			continue
		}
		out = append(out, store.SortField{Field: f})
	}
	return out
}

func intParam(values url.Values, key string, def int64) (int64, error) {
	raw := values.Get(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, apperr.BadRequest(fmt.Sprintf("%s must be integer.", key))
	}
	return n, nil
}
