// Package apperr defines the error kinds shared by the storage and HTTP layers.
//
// Every error is an *Error carrying a *Kind. Kinds form a small hierarchy
// (InvalidIdentity is a Database error, NotFound is an HTTP error, ...) and
// errors.Is walks it, so callers can test for a whole family at once.
package apperr

import (
	"bytes"
	"errors"
	"net/http"
	"strings"
	"text/template"

	"github.com/seedworks/seed/pkg/logger"
)

// Kind identifies a class of error. Template is used when no explicit
// message is given, or when the template embeds {{.message}}.
type Kind struct {
	name     string
	template string
	status   int
	parent   *Kind
}

func (k *Kind) Error() string { return k.name }

// Name returns the kind identifier, e.g. "not_found".
func (k *Kind) Name() string { return k.name }

// Status returns the HTTP status for the kind, inherited from the nearest
// ancestor that declares one. Zero means the kind is not HTTP-facing.
func (k *Kind) Status() int {
	for c := k; c != nil; c = c.parent {
		if c.status != 0 {
			return c.status
		}
	}
	return 0
}

func (k *Kind) is(target *Kind) bool {
	for c := k; c != nil; c = c.parent {
		if c == target {
			return true
		}
	}
	return false
}

var (
	KindBase = &Kind{name: "error", template: "An unknown exception occurred."}

	KindNotExist = &Kind{name: "not_exist", template: "{{.resource}} {{.id}} not exist.", parent: KindBase}
	KindNotNone  = &Kind{name: "not_none", template: "{{.resource}} {{.key}} cannot be None.", parent: KindBase}
	KindDatabase = &Kind{name: "database_error", template: "Database error: {{.message}}", parent: KindBase}

	KindInvalidIdentity    = &Kind{name: "invalid_identity", template: "ID must be integer.", status: http.StatusBadRequest, parent: KindDatabase}
	KindStorageUnavailable = &Kind{name: "storage_unavailable", template: "Storage unavailable: {{.message}}", parent: KindDatabase}
	KindStorageWrite       = &Kind{name: "storage_write", template: "Storage write failed: {{.message}}", parent: KindDatabase}

	KindHTTP                = &Kind{name: "http_error", template: "400 Bad Request.", status: http.StatusBadRequest, parent: KindBase}
	KindBadRequest          = &Kind{name: "bad_request", template: "400 Bad Request.", status: http.StatusBadRequest, parent: KindHTTP}
	KindUnauthorized        = &Kind{name: "unauthorized", template: "401 Unauthorized.", status: http.StatusUnauthorized, parent: KindHTTP}
	KindForbidden           = &Kind{name: "forbidden", template: "403 Forbidden.", status: http.StatusForbidden, parent: KindHTTP}
	KindNotFound            = &Kind{name: "not_found", template: "404 Not Found.", status: http.StatusNotFound, parent: KindHTTP}
	KindMethodNotAllowed    = &Kind{name: "method_not_allowed", template: "405 Method Not Allowed.", status: http.StatusMethodNotAllowed, parent: KindHTTP}
	KindInternalServerError = &Kind{name: "internal_server_error", template: "500 Internal Server Error.", status: http.StatusInternalServerError, parent: KindHTTP}
)

// Args are the keyword substitutions for a kind's template.
type Args map[string]any

// Error is the concrete error type returned across the module.
type Error struct {
	Kind *Kind
	Args Args
	msg  string
	err  error
}

// New returns an error of kind k. An empty message, or a template that
// embeds {{.message}}, makes the kind's template the message source.
func New(k *Kind, message string) *Error {
	return newError(k, message, nil, nil)
}

// Format renders the kind's template with args.
func Format(k *Kind, args Args) *Error {
	return newError(k, "", args, nil)
}

// Wrap returns an error of kind k whose message is the cause's text.
func Wrap(k *Kind, cause error) *Error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return newError(k, msg, nil, cause)
}

// WithCause returns an error of kind k with an explicit message that keeps
// cause in its chain.
func WithCause(k *Kind, message string, cause error) *Error {
	return newError(k, message, nil, cause)
}

func newError(k *Kind, message string, args Args, cause error) *Error {
	if k == nil {
		k = KindBase
	}
	e := &Error{Kind: k, Args: args, err: cause}
	if message == "" || strings.Contains(k.template, ".message") {
		vals := Args{}
		for key, v := range args {
			vals[key] = v
		}
		vals["message"] = message
		e.msg = render(k, vals)
	} else {
		e.msg = message
	}
	return e
}

func render(k *Kind, vals Args) string {
	t, err := template.New(k.name).Option("missingkey=error").Parse(k.template)
	if err == nil {
		var buf bytes.Buffer
		if err = t.Execute(&buf, map[string]any(vals)); err == nil {
			return buf.String()
		}
	}
	logger.Errorf("apperr: formatting %s message failed: %v", k.name, err)
	for name, v := range vals {
		logger.Errorf("apperr: %s: %v", name, v)
	}
	return k.template
}

func (e *Error) Error() string { return e.msg }

// Message returns the rendered message.
func (e *Error) Message() string { return e.msg }

func (e *Error) Unwrap() error { return e.err }

// Is reports whether target is the error's kind or one of its ancestors.
func (e *Error) Is(target error) bool {
	if k, ok := target.(*Kind); ok {
		return e.Kind.is(k)
	}
	return false
}

// Status returns the HTTP status to render err with. NotExist maps to 404,
// unclassified errors to 500.
func Status(err error) int {
	var e *Error
	if !errors.As(err, &e) {
		return http.StatusInternalServerError
	}
	if s := e.Kind.Status(); s != 0 {
		return s
	}
	if e.Kind.is(KindNotExist) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

// Body returns the JSON body rendered for err.
func Body(err error) map[string]string {
	return map[string]string{"message": err.Error()}
}

func BadRequest(msg string) *Error          { return New(KindBadRequest, msg) }
func Unauthorized(msg string) *Error        { return New(KindUnauthorized, msg) }
func Forbidden(msg string) *Error           { return New(KindForbidden, msg) }
func NotFound(msg string) *Error            { return New(KindNotFound, msg) }
func MethodNotAllowed(msg string) *Error    { return New(KindMethodNotAllowed, msg) }
func InternalServerError(msg string) *Error { return New(KindInternalServerError, msg) }

// NotExist reports a missing resource instance.
func NotExist(resource string, id any) *Error {
	return Format(KindNotExist, Args{"resource": resource, "id": id})
}

// NotNone reports a key that must be set.
func NotNone(resource, key string) *Error {
	return Format(KindNotNone, Args{"resource": resource, "key": key})
}

// InvalidIdentity reports an identity that cannot be coerced to an integer.
func InvalidIdentity(raw any) *Error {
	return Format(KindInvalidIdentity, Args{"id": raw})
}

func Database(cause error) *Error           { return Wrap(KindDatabase, cause) }
func StorageUnavailable(cause error) *Error { return Wrap(KindStorageUnavailable, cause) }
func StorageWrite(cause error) *Error       { return Wrap(KindStorageWrite, cause) }
