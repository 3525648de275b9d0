/*
Copyright 2024 Fission Internet Software

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package httplib implements common utility functions for writing the
// JSON HTTP handlers of the API server.
package httplib

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"

	"github.com/google/uuid"
	"github.com/gravitational/roundtrip"
	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/fission-codes/fission"
	"github.com/fission-codes/fission/lib/defaults"
	logutils "github.com/fission-codes/fission/lib/utils/log"
)

var log = logutils.NewPackageLogger(fission.ComponentWeb)

// HandlerFunc is an HTTP handler that returns a JSON payload or an
// error instead of writing to the response directly.
type HandlerFunc func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error)

// MakeHandler adapts a HandlerFunc to httprouter, rendering errors as
// JSON API error documents.
func MakeHandler(fn HandlerFunc) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		out, err := fn(w, r, p)
		if err != nil {
			ReplyError(r.Context(), w, err)
			return
		}
		if out == nil {
			roundtrip.ReplyJSON(w, http.StatusOK, map[string]interface{}{"status": "ok"})
			return
		}
		roundtrip.ReplyJSON(w, http.StatusOK, out)
	}
}

// ReadJSON reads a JSON request body into val. Bodies over the request
// size limit fail, as does a content type other than application/json.
func ReadJSON(r *http.Request, val interface{}) error {
	contentType := r.Header.Get("Content-Type")
	if contentType != "" {
		mediaType, _, err := mime.ParseMediaType(contentType)
		if err != nil || mediaType != "application/json" {
			return UnsupportedMediaType("expected application/json, got %q", contentType)
		}
	}
	data, err := io.ReadAll(http.MaxBytesReader(nil, r.Body, defaults.MaxRequestBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return trace.LimitExceeded("request body over %v bytes", tooLarge.Limit)
		}
		return trace.ConvertSystemError(err)
	}
	if err := json.Unmarshal(data, val); err != nil {
		return trace.BadParameter("malformed request body: %v", err)
	}
	return nil
}

// errorDocument is the JSON API shaped error body.
type errorDocument struct {
	Errors []errorObject `json:"errors"`
}

type errorObject struct {
	Status int    `json:"status"`
	Title  string `json:"title"`
	Detail string `json:"detail,omitempty"`
}

// ReplyError renders err as a JSON API error document with the
// matching status code. Internal errors are logged and redacted.
func ReplyError(ctx context.Context, w http.ResponseWriter, err error) {
	status := errorStatus(err)
	detail := trace.UserMessage(err)
	if status == http.StatusInternalServerError {
		id := uuid.NewString()
		log.ErrorContext(ctx, "internal server error", "error", err, "error_id", id)
		detail = "internal server error, id " + id
	}
	roundtrip.ReplyJSON(w, status, errorDocument{Errors: []errorObject{{
		Status: status,
		Title:  http.StatusText(status),
		Detail: detail,
	}}})
}

// errorStatus maps an error to the HTTP status it renders as.
func errorStatus(err error) int {
	switch {
	case IsUnauthenticated(err):
		return http.StatusUnauthorized
	case IsUnsupportedMediaType(err):
		return http.StatusUnsupportedMediaType
	case trace.IsNotFound(err):
		return http.StatusNotFound
	case trace.IsBadParameter(err):
		return http.StatusBadRequest
	case trace.IsAccessDenied(err):
		return http.StatusForbidden
	case trace.IsAlreadyExists(err):
		return http.StatusConflict
	case trace.IsLimitExceeded(err):
		return http.StatusRequestEntityTooLarge
	case trace.IsConnectionProblem(err):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	}
	return http.StatusInternalServerError
}

// unauthenticatedError distinguishes a missing credential (401) from an
// insufficient one (403, trace.AccessDenied).
type unauthenticatedError struct {
	message string
}

func (e *unauthenticatedError) Error() string { return e.message }

// Unauthenticated returns a 401 error: the request carried no usable
// credential at all.
func Unauthenticated(format string, args ...interface{}) error {
	return trace.Wrap(&unauthenticatedError{message: fmt.Sprintf(format, args...)})
}

// IsUnauthenticated reports whether err renders as 401.
func IsUnauthenticated(err error) bool {
	var target *unauthenticatedError
	return errors.As(trace.Unwrap(err), &target) || errors.As(err, &target)
}

// unsupportedMediaTypeError renders as 415.
type unsupportedMediaTypeError struct {
	message string
}

func (e *unsupportedMediaTypeError) Error() string { return e.message }

// UnsupportedMediaType returns a 415 error.
func UnsupportedMediaType(format string, args ...interface{}) error {
	return trace.Wrap(&unsupportedMediaTypeError{message: fmt.Sprintf(format, args...)})
}

// IsUnsupportedMediaType reports whether err renders as 415.
func IsUnsupportedMediaType(err error) bool {
	var target *unsupportedMediaTypeError
	return errors.As(trace.Unwrap(err), &target) || errors.As(err, &target)
}

// ConvertResponse converts a non-2xx API response into the matching
// error type so client callers can test errors the same way server
// code does.
func ConvertResponse(re *roundtrip.Response, err error) (*roundtrip.Response, error) {
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, trace.Wrap(err)
		}
		return nil, trace.ConnectionProblem(err, "request failed")
	}
	detail := responseDetail(re)
	switch re.Code() {
	case http.StatusUnauthorized:
		return nil, Unauthenticated("%v", detail)
	case http.StatusNotFound:
		return nil, trace.NotFound("%v", detail)
	case http.StatusBadRequest:
		return nil, trace.BadParameter("%v", detail)
	case http.StatusForbidden:
		return nil, trace.AccessDenied("%v", detail)
	case http.StatusConflict:
		return nil, trace.AlreadyExists("%v", detail)
	case http.StatusRequestEntityTooLarge:
		return nil, trace.LimitExceeded("%v", detail)
	}
	if re.Code() < 200 || re.Code() > 299 {
		return nil, trace.BadParameter("unrecognized error: %v %v", re.Code(), detail)
	}
	return re, nil
}

// responseDetail extracts the first error detail from a JSON API error
// body, falling back to the raw body.
func responseDetail(re *roundtrip.Response) string {
	var doc errorDocument
	if err := json.Unmarshal(re.Bytes(), &doc); err == nil && len(doc.Errors) > 0 {
		if doc.Errors[0].Detail != "" {
			return doc.Errors[0].Detail
		}
		return doc.Errors[0].Title
	}
	return string(re.Bytes())
}
