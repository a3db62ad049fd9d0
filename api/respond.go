package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/hazyhaar/snaplinked/core"
	"github.com/hazyhaar/snaplinked/kit"
	"github.com/hazyhaar/snaplinked/store"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error     string         `json:"error"`
	Kind      core.ErrorKind `json:"kind,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

// writeError maps err onto a status. Internal failures are logged and
// reported without detail.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := http.StatusInternalServerError, errorBody{Error: "internal error"}
	var tooLarge *http.MaxBytesError
	switch {
	case errors.Is(err, core.ErrNotFound):
		status, body.Error = http.StatusNotFound, "not found"
	case errors.Is(err, core.ErrInvalidSpec), core.KindOf(err) == core.ErrInvalidSpecKind:
		status, body.Error, body.Kind = http.StatusBadRequest, err.Error(), core.ErrInvalidSpecKind
	case errors.Is(err, store.ErrDuplicateEmail):
		status, body.Error = http.StatusConflict, err.Error()
	case errors.Is(err, kit.ErrUnauthenticated):
		status, body.Error = http.StatusUnauthorized, "unauthenticated"
	case errors.Is(err, errForbidden):
		status, body.Error = http.StatusForbidden, "forbidden"
	case errors.As(err, &tooLarge):
		status, body.Error = http.StatusRequestEntityTooLarge, "request body too large"
	default:
		s.logger.ErrorContext(r.Context(), "api: request failed",
			"method", r.Method, "path", r.URL.Path, "request_id", kit.GetRequestID(r.Context()), "error", err)
	}
	body.RequestID = kit.GetRequestID(r.Context())
	writeJSON(w, status, body)
}

var errForbidden = errors.New("api: forbidden")

// badRequest marks a malformed request body or query.
func badRequest(err error) error {
	return core.E(core.ErrInvalidSpecKind, "api", errors.Join(core.ErrInvalidSpec, err))
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return err
		}
		return badRequest(err)
	}
	return nil
}

// subject is the user a request acts for: the caller, or for admins the
// user_id query parameter when present.
func subject(r *http.Request) (string, error) {
	caller := kit.GetUserID(r.Context())
	if caller == "" {
		return "", kit.ErrUnauthenticated
	}
	if other := r.URL.Query().Get("user_id"); other != "" && other != caller {
		if !kit.IsAdmin(r.Context()) {
			return "", errForbidden
		}
		return other, nil
	}
	return caller, nil
}

// scope is the owner filter for job lookups: empty lets admins reach any job.
func scope(r *http.Request) string {
	if kit.IsAdmin(r.Context()) && r.URL.Query().Get("user_id") == "" {
		return ""
	}
	id, _ := subject(r)
	return id
}
