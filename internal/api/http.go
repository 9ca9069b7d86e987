package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/sigreer/diskd/internal/diskerr"
)

// StatusFor maps an error kind onto an HTTP status
func StatusFor(k diskerr.Kind) int {
	switch k {
	case diskerr.NotFound:
		return http.StatusNotFound
	case diskerr.NotAuthorized:
		return http.StatusForbidden
	case diskerr.InvalidOption:
		return http.StatusBadRequest
	case diskerr.Busy, diskerr.AlreadyMounted, diskerr.NotMounted:
		return http.StatusConflict
	case diskerr.NotSupported:
		return http.StatusNotImplemented
	case diskerr.Cancelled:
		return 499
	case diskerr.Failed, "":
		return http.StatusInternalServerError
	}
	// Not<Classification> kinds: the target exists but cannot take the request
	return http.StatusUnprocessableEntity
}

// WriteJSON encodes v with the given status
func WriteJSON(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		return fmt.Errorf("failed to encode response: %w", err)
	}
	return nil
}

// WriteError writes err as an Error body with a status derived from its kind
func WriteError(w http.ResponseWriter, err error) {
	kind := diskerr.KindOf(err)
	msg := strings.TrimPrefix(err.Error(), string(kind)+": ")
	_ = WriteJSON(w, StatusFor(kind), Error{Kind: string(kind), Message: msg})
}

// DecodeJSON reads a request body into v. Failures are InvalidOption.
func DecodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return diskerr.Wrap(diskerr.InvalidOption, err, "malformed request body")
	}
	return nil
}

// AsError turns an Error body back into a diskerr error
func (e Error) AsError() error {
	return &diskerr.Error{Kind: diskerr.Kind(e.Kind), Msg: e.Message}
}
