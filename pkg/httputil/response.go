// Package httputil provides HTTP handler utilities for consistent error
// handling, JSON encoding/decoding, and request parsing.
package httputil

import (
	"encoding/json"
	"net/http"

	"github.com/permitd/permitd/pkg/codes"
)

// ErrorEntry is one machine-readable failure in an error response body.
// Responses carry a list so validation can report multiple violations.
type ErrorEntry struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// WriteJSON writes a JSON response with the given status code
func WriteJSON(w http.ResponseWriter, status int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(data)
}

// WriteSuccess writes a successful response (200 OK) with JSON data
func WriteSuccess(w http.ResponseWriter, data interface{}) error {
	return WriteJSON(w, http.StatusOK, data)
}

// WriteCreated writes a successful creation response (201 Created) with JSON data
func WriteCreated(w http.ResponseWriter, data interface{}) error {
	return WriteJSON(w, http.StatusCreated, data)
}

// WriteNoContent writes a successful response with no content (204 No Content)
func WriteNoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// WriteCodes writes an error response with the given status and code entries
func WriteCodes(w http.ResponseWriter, status int, entries ...ErrorEntry) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(entries)
}

// WriteCode writes a single-code error response
func WriteCode(w http.ResponseWriter, status int, code codes.Code, message string) {
	WriteCodes(w, status, ErrorEntry{Code: string(code), Message: message})
}

// WriteDomainError maps a domain error to its HTTP representation. Non-domain
// errors are treated as internal failures without leaking detail.
func WriteDomainError(w http.ResponseWriter, err error) {
	e := codes.FromErr(err)
	if e == nil {
		WriteCode(w, http.StatusInternalServerError, codes.StoreUnavailable, "internal error")
		return
	}

	switch e.Kind {
	case codes.KindValidation:
		WriteCode(w, http.StatusBadRequest, e.Code, e.Message)
	case codes.KindAuthorization:
		// Uniform body regardless of call site or target existence.
		WriteCode(w, http.StatusUnauthorized, codes.Unauthorized, "unauthorized")
	case codes.KindNotFound:
		WriteCode(w, http.StatusNotFound, e.Code, e.Message)
	case codes.KindCredential:
		WriteCode(w, http.StatusUnauthorized, e.Code, e.Message)
	case codes.KindInfrastructure:
		WriteCode(w, http.StatusServiceUnavailable, e.Code, e.Message)
	default:
		WriteCode(w, http.StatusInternalServerError, e.Code, e.Message)
	}
}

// WriteText writes a plain-text response. Used by the bind-token and
// passphrase endpoints which return bare secrets.
func WriteText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(status)
	w.Write([]byte(body))
}

// WriteBadRequest writes a bad request error (400)
func WriteBadRequest(w http.ResponseWriter, message string) {
	WriteCodes(w, http.StatusBadRequest, ErrorEntry{Code: "BAD_REQUEST", Message: message})
}

// WriteUnauthorized writes the generic unauthorized error (401)
func WriteUnauthorized(w http.ResponseWriter) {
	WriteCode(w, http.StatusUnauthorized, codes.Unauthorized, "unauthorized")
}
