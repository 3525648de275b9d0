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

// Package client implements the API client behind the fission CLI.
// Every privileged request is authenticated with a fresh short-lived
// presenter token signed by the device key, with the stored delegation
// chain attached as witnesses.
package client

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gravitational/roundtrip"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/fission-codes/fission"
	"github.com/fission-codes/fission/lib/defaults"
	"github.com/fission-codes/fission/lib/didkey"
	"github.com/fission-codes/fission/lib/httplib"
	"github.com/fission-codes/fission/lib/services"
	"github.com/fission-codes/fission/lib/ucan"
)

// Config configures the client.
type Config struct {
	// ServerURL is the base URL of the fission server.
	ServerURL string
	// Key is the device signing key.
	Key *didkey.Key
	// Clock is the time source.
	Clock clockwork.Clock
	// RetryAttempts bounds retries of idempotent requests.
	RetryAttempts int
}

// CheckAndSetDefaults validates the config.
func (c *Config) CheckAndSetDefaults() error {
	if c.ServerURL == "" {
		return trace.BadParameter("server URL is missing")
	}
	if c.Key == nil {
		return trace.BadParameter("device key is missing")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.RetryAttempts == 0 {
		c.RetryAttempts = defaults.RetryAttempts
	}
	return nil
}

// Client talks to one fission server on behalf of one device key.
type Client struct {
	Config
	serverDID string
}

// New returns a client and learns the server DID, which every
// presenter token is addressed to.
func New(ctx context.Context, config Config) (*Client, error) {
	if err := config.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	c := &Client{Config: config}
	did, err := c.fetchServerDID(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	c.serverDID = did
	return c, nil
}

// DeviceDID is the DID of the device key.
func (c *Client) DeviceDID() string {
	return c.Key.DID()
}

// ServerDID is the DID of the server, learned at construction.
func (c *Client) ServerDID() string {
	return c.serverDID
}

func (c *Client) fetchServerDID(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.ServerURL+fission.APIPrefix+"/server-did", nil)
	if err != nil {
		return "", trace.Wrap(err)
	}
	resp, err := (&http.Client{Timeout: defaults.RequestTimeout}).Do(req)
	if err != nil {
		return "", trace.ConnectionProblem(err, "reaching %v", c.ServerURL)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", trace.ConnectionProblem(nil, "server DID fetch returned %v", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if err != nil {
		return "", trace.Wrap(err)
	}
	if _, err := didkey.Parse(string(body)); err != nil {
		return "", trace.Wrap(err, "server returned a malformed DID")
	}
	return string(body), nil
}

// headerTransport stamps fixed headers on every outgoing request, used
// to carry the witness header through roundtrip.
type headerTransport struct {
	base   http.RoundTripper
	header http.Header
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	for key, values := range t.header {
		for _, value := range values {
			req.Header.Set(key, value)
		}
	}
	return t.base.RoundTrip(req)
}

// authClient builds a roundtrip client carrying a fresh presenter
// token claiming cap and the witness chain.
func (c *Client) authClient(cap ucan.Capability, witnesses []*ucan.Token) (*roundtrip.Client, string, error) {
	builder := ucan.NewBuilder().
		WithClock(c.Clock).
		ToAudience(c.serverDID).
		WithLifetime(int64(defaults.PresenterTokenTTL / time.Second)).
		ClaimCapability(cap)
	header := make(http.Header)
	witnessHeader := ""
	for _, witness := range witnesses {
		id, err := witness.ID()
		if err != nil {
			return nil, "", trace.Wrap(err)
		}
		builder = builder.WitnessedBy(id)
		encoded, err := witness.EncodeString()
		if err != nil {
			return nil, "", trace.Wrap(err)
		}
		if witnessHeader != "" {
			witnessHeader += ","
		}
		witnessHeader += encoded
	}
	if witnessHeader != "" {
		header.Set(fission.HeaderUCAN, witnessHeader)
	}
	presenter, err := builder.Sign(c.Key)
	if err != nil {
		return nil, "", trace.Wrap(err)
	}
	bearer, err := presenter.EncodeString()
	if err != nil {
		return nil, "", trace.Wrap(err)
	}
	httpClient := &http.Client{
		Timeout:   defaults.RequestTimeout,
		Transport: &headerTransport{base: http.DefaultTransport, header: header},
	}
	clt, err := roundtrip.NewClient(c.ServerURL, strings.TrimPrefix(fission.APIPrefix, "/"),
		roundtrip.BearerAuth(bearer),
		roundtrip.HTTPClient(httpClient))
	if err != nil {
		return nil, "", trace.Wrap(err)
	}
	return clt, bearer, nil
}

// retryGet retries an idempotent request with bounded exponential
// backoff on connection problems.
func (c *Client) retryGet(ctx context.Context, fn func() (*roundtrip.Response, error)) (*roundtrip.Response, error) {
	delay := defaults.RetryBaseDelay
	var lastErr error
	for attempt := 0; attempt < c.RetryAttempts; attempt++ {
		resp, err := httplib.ConvertResponse(fn())
		if err == nil {
			return resp, nil
		}
		if !trace.IsConnectionProblem(err) {
			return nil, trace.Wrap(err)
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return nil, trace.Wrap(ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
	}
	return nil, trace.Wrap(lastErr)
}

// VerifyEmail asks the server to dispatch a verification code.
func (c *Client) VerifyEmail(ctx context.Context, email string) error {
	clt, err := roundtrip.NewClient(c.ServerURL, strings.TrimPrefix(fission.APIPrefix, "/"))
	if err != nil {
		return trace.Wrap(err)
	}
	_, err = httplib.ConvertResponse(clt.PostJSON(ctx, clt.Endpoint("auth", "email", "verify"),
		map[string]string{"email": email}))
	return trace.Wrap(err)
}

// AccountBundle is an account plus its decoded delegations.
type AccountBundle struct {
	Account *services.Account
	UCANs   []*ucan.Token
}

func decodeBundle(resp *roundtrip.Response) (*AccountBundle, error) {
	var wire struct {
		Account *services.Account `json:"account"`
		UCANs   []string          `json:"ucans"`
	}
	if err := json.Unmarshal(resp.Bytes(), &wire); err != nil {
		return nil, trace.Wrap(err)
	}
	bundle := &AccountBundle{Account: wire.Account}
	for _, encoded := range wire.UCANs {
		token, err := ucan.DecodeString(encoded)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		bundle.UCANs = append(bundle.UCANs, token)
	}
	return bundle, nil
}

// CreateAccount registers a new account bound to this device key.
func (c *Client) CreateAccount(ctx context.Context, username, email, code string) (*AccountBundle, error) {
	clt, _, err := c.authClient(
		ucan.NewCapability(ucan.DIDResource(c.DeviceDID()), ucan.AccountCreate), nil)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	resp, err := httplib.ConvertResponse(clt.PostJSON(ctx, clt.Endpoint("account"),
		map[string]string{"username": username, "email": email, "code": code}))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return decodeBundle(resp)
}

// LinkDevice logs this device into an existing account.
func (c *Client) LinkDevice(ctx context.Context, username, code string) (*AccountBundle, error) {
	clt, _, err := c.authClient(
		ucan.NewCapability(ucan.DIDResource(c.DeviceDID()), ucan.AccountCreate), nil)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	resp, err := httplib.ConvertResponse(clt.PostJSON(ctx, clt.Endpoint("account", "link"),
		map[string]string{"username": username, "code": code}))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return decodeBundle(resp)
}

// Capabilities fetches every delegation addressed to this device and
// the revoked subset, decoded and with revoked tokens dropped.
func (c *Client) Capabilities(ctx context.Context) ([]*ucan.Token, error) {
	clt, _, err := c.authClient(
		ucan.NewCapability(ucan.DIDResource(c.DeviceDID()), ucan.CapabilityFetch), nil)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	resp, err := c.retryGet(ctx, func() (*roundtrip.Response, error) {
		return clt.Get(ctx, clt.Endpoint("capabilities"), url.Values{})
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var wire struct {
		UCANs   map[string]string `json:"ucans"`
		Revoked []string          `json:"revoked"`
	}
	if err := json.Unmarshal(resp.Bytes(), &wire); err != nil {
		return nil, trace.Wrap(err)
	}
	revoked := make(map[string]bool, len(wire.Revoked))
	for _, id := range wire.Revoked {
		revoked[id] = true
	}
	tokens := make([]*ucan.Token, 0, len(wire.UCANs))
	for id, encoded := range wire.UCANs {
		if revoked[id] {
			continue
		}
		token, err := ucan.DecodeString(encoded)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		tokens = append(tokens, token)
	}
	return tokens, nil
}

// AccountDID finds the account this device holds authority over by
// inspecting its delegations.
func (c *Client) AccountDID(ctx context.Context) (string, error) {
	tokens, err := c.Capabilities(ctx)
	if err != nil {
		return "", trace.Wrap(err)
	}
	for _, token := range tokens {
		if token.Audience != c.DeviceDID() {
			continue
		}
		for _, cap := range token.Capabilities {
			if cap.Resource.Kind == ucan.ResourceDID {
				return cap.Resource.DID, nil
			}
		}
	}
	return "", trace.NotFound("this device holds no account delegation")
}

// GetAccount reads account info.
func (c *Client) GetAccount(ctx context.Context, did string) (*services.Account, error) {
	witnesses, err := c.Capabilities(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	clt, _, err := c.authClient(
		ucan.NewCapability(ucan.DIDResource(did), ucan.AccountRead), witnesses)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	resp, err := c.retryGet(ctx, func() (*roundtrip.Response, error) {
		return clt.Get(ctx, clt.Endpoint("account", did), url.Values{})
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var account services.Account
	if err := json.Unmarshal(resp.Bytes(), &account); err != nil {
		return nil, trace.Wrap(err)
	}
	return &account, nil
}

// RenameAccount changes the account username.
func (c *Client) RenameAccount(ctx context.Context, accountDID, username string) (*services.Account, error) {
	witnesses, err := c.Capabilities(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	clt, bearer, err := c.authClient(
		ucan.NewCapability(ucan.DIDResource(accountDID), ucan.AccountManage), witnesses)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	resp, err := httplib.ConvertResponse(clt.RoundTrip(func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPatch,
			clt.Endpoint("account", "username", username), nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+bearer)
		return clt.HTTPClient().Do(req)
	}))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var account services.Account
	if err := json.Unmarshal(resp.Bytes(), &account); err != nil {
		return nil, trace.Wrap(err)
	}
	return &account, nil
}

// DeleteAccount destroys the account.
func (c *Client) DeleteAccount(ctx context.Context, accountDID string) error {
	witnesses, err := c.Capabilities(ctx)
	if err != nil {
		return trace.Wrap(err)
	}
	clt, _, err := c.authClient(
		ucan.NewCapability(ucan.DIDResource(accountDID), ucan.AccountDelete), witnesses)
	if err != nil {
		return trace.Wrap(err)
	}
	_, err = httplib.ConvertResponse(clt.Delete(ctx, clt.Endpoint("account")))
	return trace.Wrap(err)
}

// UpdateVolume repoints the account volume at a new CID.
func (c *Client) UpdateVolume(ctx context.Context, accountDID, cid string) (*services.Volume, error) {
	witnesses, err := c.Capabilities(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	clt, _, err := c.authClient(
		ucan.NewCapability(ucan.VolumeResource(accountDID), ucan.VolumeUpdate), witnesses)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	resp, err := httplib.ConvertResponse(clt.PutJSON(ctx, clt.Endpoint("account", accountDID, "volume"),
		map[string]string{"cid": cid}))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var volume services.Volume
	if err := json.Unmarshal(resp.Bytes(), &volume); err != nil {
		return nil, trace.Wrap(err)
	}
	return &volume, nil
}

// Revoke signs and submits a revocation of the given token id with the
// device key.
func (c *Client) Revoke(ctx context.Context, tokenID string) error {
	clt, err := roundtrip.NewClient(c.ServerURL, strings.TrimPrefix(fission.APIPrefix, "/"))
	if err != nil {
		return trace.Wrap(err)
	}
	revocation := services.Revocation{
		TokenID:   tokenID,
		IssuerDID: c.DeviceDID(),
		Signature: c.Key.Sign(services.RevocationPayload(tokenID)),
	}
	_, err = httplib.ConvertResponse(clt.PostJSON(ctx, clt.Endpoint("revocations"), revocation))
	return trace.Wrap(err)
}
