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

package dns

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"

	"github.com/fission-codes/fission/lib/didkey"
	"github.com/fission-codes/fission/lib/services"
	"github.com/fission-codes/fission/lib/services/local"
)

const testOrigin = "fission.test"

func newTestResolver(t *testing.T) (*Server, string) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	store := local.NewIdentityService(clock)
	accountKey, err := didkey.New()
	require.NoError(t, err)
	_, err = store.CreateAccount(context.Background(), services.Account{
		DID:      accountKey.DID(),
		Username: "alice",
	})
	require.NoError(t, err)

	serverKey, err := didkey.New()
	require.NoError(t, err)
	resolver, err := NewServer(ServerConfig{
		Origin:    testOrigin,
		ServerDID: serverKey.DID(),
		Accounts:  store,
		Clock:     clock,
	})
	require.NoError(t, err)
	return resolver, accountKey.DID()
}

func query(name string, qtype uint16) *dns.Msg {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), qtype)
	return m
}

func TestResolveAccountDID(t *testing.T) {
	resolver, accountDID := newTestResolver(t)

	resp := resolver.Resolve(context.Background(), query("_did.alice."+testOrigin, dns.TypeTXT))
	require.Equal(t, dns.RcodeSuccess, resp.Rcode)
	require.True(t, resp.Authoritative)
	require.Len(t, resp.Answer, 1)
	txt, ok := resp.Answer[0].(*dns.TXT)
	require.True(t, ok)
	require.Equal(t, []string{accountDID}, txt.Txt)
}

func TestResolveIsCaseInsensitive(t *testing.T) {
	resolver, accountDID := newTestResolver(t)

	resp := resolver.Resolve(context.Background(), query("_DID.Alice."+testOrigin, dns.TypeTXT))
	require.Equal(t, dns.RcodeSuccess, resp.Rcode)
	require.Len(t, resp.Answer, 1)
	require.Equal(t, []string{accountDID}, resp.Answer[0].(*dns.TXT).Txt)
}

func TestResolveServerDID(t *testing.T) {
	resolver, _ := newTestResolver(t)

	resp := resolver.Resolve(context.Background(), query("_did."+testOrigin, dns.TypeTXT))
	require.Equal(t, dns.RcodeSuccess, resp.Rcode)
	require.Len(t, resp.Answer, 1)
	require.Equal(t, []string{resolver.ServerDID}, resp.Answer[0].(*dns.TXT).Txt)
}

func TestResolveUnknownUsername(t *testing.T) {
	resolver, _ := newTestResolver(t)

	resp := resolver.Resolve(context.Background(), query("_did.nobody."+testOrigin, dns.TypeTXT))
	require.Equal(t, dns.RcodeNameError, resp.Rcode)
	require.Len(t, resp.Ns, 1)
	_, ok := resp.Ns[0].(*dns.SOA)
	require.True(t, ok, "negative answers carry the SOA")
}

func TestResolveApexSOA(t *testing.T) {
	resolver, _ := newTestResolver(t)

	resp := resolver.Resolve(context.Background(), query(testOrigin, dns.TypeSOA))
	require.Equal(t, dns.RcodeSuccess, resp.Rcode)
	require.Len(t, resp.Answer, 1)
	soa, ok := resp.Answer[0].(*dns.SOA)
	require.True(t, ok)
	require.Equal(t, "ns1."+testOrigin+".", soa.Ns)
}

type failingAccounts struct {
	services.Accounts
}

func (failingAccounts) GetAccountByUsername(ctx context.Context, username string) (*services.Account, error) {
	return nil, trace.ConnectionProblem(nil, "store is down")
}

// A store failure answers like a miss, not SERVFAIL.
func TestResolveStoreFailureAnswersEmpty(t *testing.T) {
	resolver, _ := newTestResolver(t)
	resolver.Accounts = failingAccounts{}

	resp := resolver.Resolve(context.Background(), query("_did.alice."+testOrigin, dns.TypeTXT))
	require.Equal(t, dns.RcodeNameError, resp.Rcode)
	require.Empty(t, resp.Answer)
	require.Len(t, resp.Ns, 1)
	_, ok := resp.Ns[0].(*dns.SOA)
	require.True(t, ok)
}

// A zone name that is not a _did label answers NODATA, not NXDOMAIN.
func TestResolveNoData(t *testing.T) {
	resolver, _ := newTestResolver(t)

	resp := resolver.Resolve(context.Background(), query("www."+testOrigin, dns.TypeA))
	require.Equal(t, dns.RcodeSuccess, resp.Rcode)
	require.Empty(t, resp.Answer)
	require.Len(t, resp.Ns, 1)
}

func TestDoHWireFormat(t *testing.T) {
	resolver, accountDID := newTestResolver(t)
	handler := &DoHHandler{Resolver: resolver}

	q := query("_did.alice."+testOrigin, dns.TypeTXT)
	wire, err := q.Pack()
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet,
		"/dns-query?dns="+base64.RawURLEncoding.EncodeToString(wire), nil)
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, mimeWire, rec.Header().Get("Content-Type"))
	answer := new(dns.Msg)
	require.NoError(t, answer.Unpack(rec.Body.Bytes()))
	require.Len(t, answer.Answer, 1)
	require.Equal(t, []string{accountDID}, answer.Answer[0].(*dns.TXT).Txt)
}

func TestDoHJSONFormat(t *testing.T) {
	resolver, accountDID := newTestResolver(t)
	handler := &DoHHandler{Resolver: resolver}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet,
		"/dns-query?name=_did.alice."+testOrigin+"&type=TXT", nil)
	req.Header.Set("Accept", mimeJSON)
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp jsonResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, dns.RcodeSuccess, resp.Status)
	require.Len(t, resp.Answer, 1)
	require.Contains(t, resp.Answer[0].Data, accountDID)
}

func TestDoHRejectsGarbage(t *testing.T) {
	resolver, _ := newTestResolver(t)
	handler := &DoHHandler{Resolver: resolver}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/dns-query", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/dns-query?dns=!!!", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
