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

package web

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/fission-codes/fission"
	"github.com/fission-codes/fission/lib/auth"
	"github.com/fission-codes/fission/lib/didkey"
	"github.com/fission-codes/fission/lib/relay"
	"github.com/fission-codes/fission/lib/services"
	"github.com/fission-codes/fission/lib/services/local"
	"github.com/fission-codes/fission/lib/ucan"
)

type captureSender struct {
	codes map[string]string
}

func (s *captureSender) SendCode(ctx context.Context, email, code string) error {
	s.codes[email] = code
	return nil
}

type testAPI struct {
	server *httptest.Server
	auth   *auth.Server
	sender *captureSender
	clock  *clockwork.FakeClock
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	clock := clockwork.NewFakeClock()
	sender := &captureSender{codes: make(map[string]string)}
	key, err := didkey.New()
	require.NoError(t, err)
	engine, err := auth.NewServer(auth.ServerConfig{
		Identity: local.NewIdentityService(clock),
		Key:      key,
		Emailer:  sender,
		Clock:    clock,
	})
	require.NoError(t, err)
	handler, err := NewHandler(Config{
		Auth:  engine,
		Hub:   relay.NewHub(),
		Clock: clock,
	})
	require.NoError(t, err)
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return &testAPI{server: server, auth: engine, sender: sender, clock: clock}
}

// presenter mints a short-lived bearer token plus the witness header
// for the given chain.
func (a *testAPI) presenter(t *testing.T, device *didkey.Key, cap ucan.Capability, witnesses ...*ucan.Token) (bearer, witnessHeader string) {
	t.Helper()
	b := ucan.NewBuilder().
		WithClock(a.clock).
		ToAudience(a.auth.DID()).
		WithLifetime(300).
		ClaimCapability(cap)
	encoded := make([]string, 0, len(witnesses))
	for _, w := range witnesses {
		id, err := w.ID()
		require.NoError(t, err)
		b = b.WitnessedBy(id)
		s, err := w.EncodeString()
		require.NoError(t, err)
		encoded = append(encoded, s)
	}
	token, err := b.Sign(device)
	require.NoError(t, err)
	bearer, err = token.EncodeString()
	require.NoError(t, err)
	return bearer, strings.Join(encoded, ",")
}

func (a *testAPI) do(t *testing.T, method, path string, body interface{}, bearer, witnessHeader string) (int, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequest(method, a.server.URL+fission.APIPrefix+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	if witnessHeader != "" {
		req.Header.Set(fission.HeaderUCAN, witnessHeader)
	}
	resp, err := a.server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

type wireBundle struct {
	Account *services.Account `json:"account"`
	UCANs   []string          `json:"ucans"`
}

// createAccount drives the full S1 flow for a device.
func (a *testAPI) createAccount(t *testing.T, device *didkey.Key, username, email string) wireBundle {
	t.Helper()
	code, _ := a.do(t, http.MethodPost, "/auth/email/verify", map[string]string{"email": email}, "", "")
	require.Equal(t, http.StatusOK, code)

	bearer, _ := a.presenter(t, device,
		ucan.NewCapability(ucan.DIDResource(device.DID()), ucan.AccountCreate))
	status, body := a.do(t, http.MethodPost, "/account", map[string]string{
		"username": username,
		"email":    email,
		"code":     a.sender.codes[email],
	}, bearer, "")
	require.Equal(t, http.StatusOK, status, "body: %s", body)

	var bundle wireBundle
	require.NoError(t, json.Unmarshal(body, &bundle))
	return bundle
}

func (b wireBundle) tokens(t *testing.T) []*ucan.Token {
	t.Helper()
	out := make([]*ucan.Token, 0, len(b.UCANs))
	for _, encoded := range b.UCANs {
		token, err := ucan.DecodeString(encoded)
		require.NoError(t, err)
		out = append(out, token)
	}
	return out
}

func TestServerDID(t *testing.T) {
	a := newTestAPI(t)
	resp, err := a.server.Client().Get(a.server.URL + fission.APIPrefix + "/server-did")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, a.auth.DID(), string(body))
	require.Contains(t, resp.Header.Get("Content-Type"), "text/plain")
}

func TestAccountCreateHappyPath(t *testing.T) {
	a := newTestAPI(t)
	device := newKey(t)

	bundle := a.createAccount(t, device, "alice", "a@b.c")
	require.Equal(t, "alice", bundle.Account.Username)
	require.Equal(t, "a@b.c", bundle.Account.Email)

	tokens := bundle.tokens(t)
	require.Len(t, tokens, 2)
	root, agent := tokens[0], tokens[1]
	require.Equal(t, a.auth.DID(), root.Audience)
	require.Equal(t, bundle.Account.DID, root.Issuer)
	require.Equal(t, device.DID(), agent.Audience)
	for _, token := range tokens {
		require.True(t, token.Capabilities[0].Resource.Contains(bundle.Account.DID))
	}
}

func TestAccountCreateInsufficientCapability(t *testing.T) {
	a := newTestAPI(t)
	device := newKey(t)

	code, _ := a.do(t, http.MethodPost, "/auth/email/verify", map[string]string{"email": "m@b.c"}, "", "")
	require.Equal(t, http.StatusOK, code)

	// account/read instead of account/create.
	bearer, _ := a.presenter(t, device,
		ucan.NewCapability(ucan.DIDResource(device.DID()), ucan.AccountRead))
	status, body := a.do(t, http.MethodPost, "/account", map[string]string{
		"username": "mallory", "email": "m@b.c", "code": a.sender.codes["m@b.c"],
	}, bearer, "")
	require.Equal(t, http.StatusForbidden, status)

	var doc struct {
		Errors []struct {
			Status int    `json:"status"`
			Title  string `json:"title"`
		} `json:"errors"`
	}
	require.NoError(t, json.Unmarshal(body, &doc))
	require.Len(t, doc.Errors, 1)
	require.Equal(t, http.StatusForbidden, doc.Errors[0].Status)
}

func TestMissingBearer(t *testing.T) {
	a := newTestAPI(t)
	status, _ := a.do(t, http.MethodGet, "/capabilities", nil, "", "")
	require.Equal(t, http.StatusUnauthorized, status)
}

// A bearer that does not decode is a missing credential, not an
// authorization failure.
func TestGarbageBearerIsUnauthorized(t *testing.T) {
	a := newTestAPI(t)
	status, body := a.do(t, http.MethodGet, "/capabilities", nil, "not-a-token", "")
	require.Equal(t, http.StatusUnauthorized, status)

	var doc struct {
		Errors []struct {
			Status int    `json:"status"`
			Detail string `json:"detail"`
		} `json:"errors"`
	}
	require.NoError(t, json.Unmarshal(body, &doc))
	require.Len(t, doc.Errors, 1)
	require.Equal(t, http.StatusUnauthorized, doc.Errors[0].Status)
	require.Contains(t, doc.Errors[0].Detail, "invalid token")
}

// An expired presenter is likewise a credential failure.
func TestExpiredBearerIsUnauthorized(t *testing.T) {
	a := newTestAPI(t)
	device := newKey(t)
	bearer, _ := a.presenter(t, device,
		ucan.NewCapability(ucan.DIDResource(device.DID()), ucan.CapabilityFetch))
	a.clock.Advance(10 * time.Minute)
	status, _ := a.do(t, http.MethodGet, "/capabilities", nil, bearer, "")
	require.Equal(t, http.StatusUnauthorized, status)
}

func TestRenameConflict(t *testing.T) {
	a := newTestAPI(t)
	first := newKey(t)
	second := newKey(t)
	alice := a.createAccount(t, first, "alice", "a@b.c")
	carol := a.createAccount(t, second, "carol", "c@b.c")

	bearer, witnesses := a.presenter(t, first,
		ucan.NewCapability(ucan.DIDResource(alice.Account.DID), ucan.AccountManage),
		alice.tokens(t)...)
	status, _ := a.do(t, http.MethodPatch, "/account/username/bob", nil, bearer, witnesses)
	require.Equal(t, http.StatusOK, status)

	bearer, witnesses = a.presenter(t, second,
		ucan.NewCapability(ucan.DIDResource(carol.Account.DID), ucan.AccountManage),
		carol.tokens(t)...)
	status, _ = a.do(t, http.MethodPatch, "/account/username/bob", nil, bearer, witnesses)
	require.Equal(t, http.StatusConflict, status)
}

func TestCapabilityFetchTransitive(t *testing.T) {
	a := newTestAPI(t)
	device := newKey(t)
	alice := a.createAccount(t, device, "alice", "a@b.c")
	tokens := alice.tokens(t)
	root, agent := tokens[0], tokens[1]

	// Device delegates noncritical authority onward to a second device.
	second := newKey(t)
	agentID, err := agent.ID()
	require.NoError(t, err)
	leaf, err := ucan.NewBuilder().
		WithClock(a.clock).
		ToAudience(second.DID()).
		ClaimCapability(ucan.NewCapability(ucan.DIDResource(alice.Account.DID), ucan.AccountNoncritical)).
		WitnessedBy(agentID).
		Sign(device)
	require.NoError(t, err)
	leafID, err := leaf.ID()
	require.NoError(t, err)

	bearer, witnesses := a.presenter(t, second,
		ucan.NewCapability(ucan.DIDResource(second.DID()), ucan.CapabilityFetch), leaf)
	status, body := a.do(t, http.MethodGet, "/capabilities", nil, bearer, witnesses)
	require.Equal(t, http.StatusOK, status, "body: %s", body)

	var fetched struct {
		UCANs   map[string]string `json:"ucans"`
		Revoked []string          `json:"revoked"`
	}
	require.NoError(t, json.Unmarshal(body, &fetched))
	require.Contains(t, fetched.UCANs, leafID)
	require.Contains(t, fetched.UCANs, agentID)
	require.Empty(t, fetched.Revoked)

	// The first device sees only the original pair.
	rootID, err := root.ID()
	require.NoError(t, err)
	bearer, _ = a.presenter(t, device,
		ucan.NewCapability(ucan.DIDResource(device.DID()), ucan.CapabilityFetch))
	status, body = a.do(t, http.MethodGet, "/capabilities", nil, bearer, "")
	require.Equal(t, http.StatusOK, status)
	require.NoError(t, json.Unmarshal(body, &fetched))
	require.Len(t, fetched.UCANs, 2)
	require.Contains(t, fetched.UCANs, rootID)
	require.Contains(t, fetched.UCANs, agentID)
}

func TestRevocationFlow(t *testing.T) {
	a := newTestAPI(t)
	device := newKey(t)
	alice := a.createAccount(t, device, "alice", "a@b.c")
	agent := alice.tokens(t)[1]
	agentID, err := agent.ID()
	require.NoError(t, err)

	// The service issued the agent delegation and may revoke it.
	revocation := services.Revocation{
		TokenID:   agentID,
		IssuerDID: a.auth.DID(),
		Signature: a.auth.Key.Sign(services.RevocationPayload(agentID)),
	}
	status, body := a.do(t, http.MethodPost, "/revocations", revocation, "", "")
	require.Equal(t, http.StatusOK, status, "body: %s", body)

	// The revoked id is annotated on capability fetch.
	bearer, _ := a.presenter(t, device,
		ucan.NewCapability(ucan.DIDResource(device.DID()), ucan.CapabilityFetch))
	status, body = a.do(t, http.MethodGet, "/capabilities", nil, bearer, "")
	require.Equal(t, http.StatusOK, status)
	var fetched struct {
		Revoked []string `json:"revoked"`
	}
	require.NoError(t, json.Unmarshal(body, &fetched))
	require.Equal(t, []string{agentID}, fetched.Revoked)

	// The revoked delegation no longer proves rename authority.
	bearer, witnesses := a.presenter(t, device,
		ucan.NewCapability(ucan.DIDResource(alice.Account.DID), ucan.AccountManage),
		alice.tokens(t)...)
	status, _ = a.do(t, http.MethodPatch, "/account/username/eve", nil, bearer, witnesses)
	require.Equal(t, http.StatusForbidden, status)
}

func TestRevocationOfUnknownToken(t *testing.T) {
	a := newTestAPI(t)
	key := newKey(t)
	revocation := services.Revocation{
		TokenID:   "bafyghost",
		IssuerDID: key.DID(),
		Signature: key.Sign(services.RevocationPayload("bafyghost")),
	}
	status, _ := a.do(t, http.MethodPost, "/revocations", revocation, "", "")
	require.Equal(t, http.StatusNotFound, status)
}

func TestVolumeRoutes(t *testing.T) {
	a := newTestAPI(t)
	device := newKey(t)
	alice := a.createAccount(t, device, "alice", "a@b.c")
	subject := alice.Account.DID

	bearer, witnesses := a.presenter(t, device,
		ucan.NewCapability(ucan.VolumeResource(subject), ucan.VolumeUpdate),
		alice.tokens(t)...)
	status, body := a.do(t, http.MethodPut, "/account/"+subject+"/volume",
		map[string]string{"cid": "bafyvolume"}, bearer, witnesses)
	require.Equal(t, http.StatusOK, status, "body: %s", body)

	var volume services.Volume
	require.NoError(t, json.Unmarshal(body, &volume))
	require.Equal(t, "bafyvolume", volume.CID)

	bearer, witnesses = a.presenter(t, device,
		ucan.NewCapability(ucan.DIDResource(subject), ucan.AccountRead),
		alice.tokens(t)...)
	status, body = a.do(t, http.MethodGet, "/account/"+subject+"/volume", nil, bearer, witnesses)
	require.Equal(t, http.StatusOK, status)
	require.NoError(t, json.Unmarshal(body, &volume))
	require.Equal(t, "bafyvolume", volume.CID)
}

func TestGetAccountRoute(t *testing.T) {
	a := newTestAPI(t)
	device := newKey(t)
	alice := a.createAccount(t, device, "alice", "a@b.c")

	bearer, witnesses := a.presenter(t, device,
		ucan.NewCapability(ucan.DIDResource(alice.Account.DID), ucan.AccountRead),
		alice.tokens(t)...)
	status, body := a.do(t, http.MethodGet, "/account/"+alice.Account.DID, nil, bearer, witnesses)
	require.Equal(t, http.StatusOK, status)

	var account services.Account
	require.NoError(t, json.Unmarshal(body, &account))
	require.Equal(t, "alice", account.Username)
}

func newKey(t *testing.T) *didkey.Key {
	t.Helper()
	key, err := didkey.New()
	require.NoError(t, err)
	return key
}
