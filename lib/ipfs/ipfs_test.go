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

package ipfs

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"
)

func TestPin(t *testing.T) {
	var calls atomic.Int32
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		require.Equal(t, "/api/v0/pin/add", r.URL.Path)
		require.Equal(t, "bafytest", r.URL.Query().Get("arg"))
		w.Write([]byte(`{"Pins":["bafytest"]}`))
	}))
	defer backend.Close()

	client, err := NewClient(Config{Addr: backend.URL})
	require.NoError(t, err)
	require.NoError(t, client.Pin(context.Background(), "bafytest"))
	require.Equal(t, int32(1), calls.Load())
}

// Transient upstream failures retry before giving up.
func TestPinRetriesTransientFailure(t *testing.T) {
	var calls atomic.Int32
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"Pins":["bafytest"]}`))
	}))
	defer backend.Close()

	client, err := NewClient(Config{Addr: backend.URL})
	require.NoError(t, err)
	require.NoError(t, client.Pin(context.Background(), "bafytest"))
	require.GreaterOrEqual(t, calls.Load(), int32(2))
}

func TestBlockRoundTrip(t *testing.T) {
	blocks := map[string][]byte{}
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v0/block/put":
			require.NoError(t, r.ParseMultipartForm(1<<20))
			file, _, err := r.FormFile("data")
			require.NoError(t, err)
			data := make([]byte, 64)
			n, _ := file.Read(data)
			blocks["bafyblock"] = data[:n]
			w.Write([]byte(`{"Key":"bafyblock","Size":5}`))
		case "/api/v0/block/get":
			data, ok := blocks[r.URL.Query().Get("arg")]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.Write(data)
		}
	}))
	defer backend.Close()

	client, err := NewClient(Config{Addr: backend.URL})
	require.NoError(t, err)

	cid, err := client.PutBlock(context.Background(), []byte("hello"))
	require.NoError(t, err)
	require.Equal(t, "bafyblock", cid)

	data, err := client.GetBlock(context.Background(), cid)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), data)

	_, err = client.GetBlock(context.Background(), "bafymissing")
	require.True(t, trace.IsNotFound(err), "expected NotFound, got %v", err)
}
