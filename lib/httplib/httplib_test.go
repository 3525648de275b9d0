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

package httplib

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"
	"github.com/stretchr/testify/require"

	"github.com/fission-codes/fission/lib/defaults"
)

func TestMakeHandler(t *testing.T) {
	tests := []struct {
		name       string
		fn         HandlerFunc
		wantStatus int
		wantTitle  string
	}{
		{
			name: "payload",
			fn: func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
				return map[string]string{"hello": "world"}, nil
			},
			wantStatus: http.StatusOK,
		},
		{
			name: "not found",
			fn: func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
				return nil, trace.NotFound("no such account")
			},
			wantStatus: http.StatusNotFound,
			wantTitle:  "Not Found",
		},
		{
			name: "access denied",
			fn: func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
				return nil, trace.AccessDenied("no capability")
			},
			wantStatus: http.StatusForbidden,
			wantTitle:  "Forbidden",
		},
		{
			name: "unauthenticated",
			fn: func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
				return nil, Unauthenticated("missing bearer token")
			},
			wantStatus: http.StatusUnauthorized,
			wantTitle:  "Unauthorized",
		},
		{
			name: "conflict",
			fn: func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
				return nil, trace.AlreadyExists("username taken")
			},
			wantStatus: http.StatusConflict,
			wantTitle:  "Conflict",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			MakeHandler(tt.fn)(rec, req, nil)

			require.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantTitle == "" {
				return
			}
			var doc errorDocument
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
			require.Len(t, doc.Errors, 1)
			require.Equal(t, tt.wantTitle, doc.Errors[0].Title)
			require.Equal(t, tt.wantStatus, doc.Errors[0].Status)
		})
	}
}

// Internal errors must never leak their message to the client.
func TestReplyErrorRedactsInternal(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	MakeHandler(func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
		return nil, trace.Errorf("secret database path leaked")
	})(rec, req, nil)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.NotContains(t, rec.Body.String(), "secret")
	require.Contains(t, rec.Body.String(), "internal server error")
}

func TestReadJSON(t *testing.T) {
	type payload struct {
		Name string `json:"name"`
	}

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"alice"}`))
	req.Header.Set("Content-Type", "application/json")
	var p payload
	require.NoError(t, ReadJSON(req, &p))
	require.Equal(t, "alice", p.Name)

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "text/plain")
	err := ReadJSON(req, &p)
	require.True(t, IsUnsupportedMediaType(err), "expected 415, got %v", err)

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":`))
	req.Header.Set("Content-Type", "application/json")
	err = ReadJSON(req, &p)
	require.True(t, trace.IsBadParameter(err), "expected BadParameter, got %v", err)

	huge := bytes.Repeat([]byte("a"), int(defaults.MaxRequestBody)+1)
	req = httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(huge))
	req.Header.Set("Content-Type", "application/json")
	err = ReadJSON(req, &p)
	require.True(t, trace.IsLimitExceeded(err), "expected LimitExceeded, got %v", err)
}
