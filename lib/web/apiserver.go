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

// Package web exposes the account engine over the versioned JSON HTTP
// API, including the websocket relay and the DoH endpoint.
package web

import (
	"context"
	"net/http"
	"strings"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/julienschmidt/httprouter"

	"github.com/fission-codes/fission"
	"github.com/fission-codes/fission/lib/auth"
	"github.com/fission-codes/fission/lib/defaults"
	"github.com/fission-codes/fission/lib/httplib"
	"github.com/fission-codes/fission/lib/relay"
	"github.com/fission-codes/fission/lib/services"
	logutils "github.com/fission-codes/fission/lib/utils/log"
)

var log = logutils.NewPackageLogger(fission.ComponentWeb)

// Config configures the API handler.
type Config struct {
	// Auth is the account engine behind every route.
	Auth *auth.Server
	// Hub backs the relay websocket routes; optional.
	Hub *relay.Hub
	// DoH serves /dns-query when set.
	DoH http.Handler
	// Clock is the time source.
	Clock clockwork.Clock
}

// Handler routes the versioned HTTP API.
type Handler struct {
	httprouter.Router
	Config
}

// NewHandler builds the API router.
func NewHandler(config Config) (*Handler, error) {
	if config.Auth == nil {
		return nil, trace.BadParameter("auth server is missing")
	}
	if config.Clock == nil {
		config.Clock = clockwork.NewRealClock()
	}
	h := &Handler{Config: config}

	h.GET(fission.APIPrefix+"/server-did", h.serverDID)
	h.POST(fission.APIPrefix+"/auth/email/verify", httplib.MakeHandler(h.sendVerificationCode))
	h.POST(fission.APIPrefix+"/account", h.withAuth(h.createAccount))
	h.POST(fission.APIPrefix+"/account/link", h.withAuth(h.linkDevice))
	h.GET(fission.APIPrefix+"/account/:did", h.withAuth(h.getAccount))
	h.PATCH(fission.APIPrefix+"/account/username/:username", h.withAuth(h.renameAccount))
	h.DELETE(fission.APIPrefix+"/account", h.withAuth(h.deleteAccount))
	h.GET(fission.APIPrefix+"/account/:did/volume", h.withAuth(h.getVolume))
	h.PUT(fission.APIPrefix+"/account/:did/volume", h.withAuth(h.updateVolume))
	h.GET(fission.APIPrefix+"/capabilities", h.withAuth(h.capabilities))
	h.POST(fission.APIPrefix+"/revocations", httplib.MakeHandler(h.addRevocation))
	if h.Hub != nil {
		h.GET(fission.APIPrefix+"/relay/:topic", h.relayWS)
	}
	if h.DoH != nil {
		h.Handler(http.MethodGet, "/dns-query", h.DoH)
		h.Handler(http.MethodPost, "/dns-query", h.DoH)
	}
	log.Debug("registered API routes", "prefix", fission.APIPrefix)
	return h, nil
}

// ServeHTTP bounds every request with the API deadline and records
// request metrics around the route dispatch.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), defaults.RequestTimeout)
	defer cancel()
	observe(w, r.WithContext(ctx), &h.Router)
}

// authHandler additionally receives the verified request authority.
type authHandler func(w http.ResponseWriter, r *http.Request, p httprouter.Params, authority *auth.Authority) (interface{}, error)

// withAuth parses the bearer and witness headers before the handler
// runs. A missing, malformed or unverifiable credential renders 401;
// a verified credential with insufficient capability renders 403 from
// the handler itself.
func (h *Handler) withAuth(fn authHandler) httprouter.Handle {
	return httplib.MakeHandler(func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
		bearer, err := parseBearer(r)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		authority, err := h.Auth.ParseAuthority(bearer, r.Header.Get(fission.HeaderUCAN))
		if err != nil {
			return nil, trace.Wrap(err)
		}
		return fn(w, r, p, authority)
	})
}

// parseBearer extracts the encoded presenter token from the
// Authorization header.
func parseBearer(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", httplib.Unauthenticated("request carries no bearer token")
	}
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return "", httplib.Unauthenticated("malformed authorization header")
	}
	return token, nil
}

func (h *Handler) serverDID(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte(h.Auth.DID()))
}

func (h *Handler) sendVerificationCode(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	var req struct {
		Email string `json:"email"`
	}
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.Auth.SendVerificationCode(r.Context(), req.Email); err != nil {
		return nil, trace.Wrap(err)
	}
	return nil, nil
}

// accountBundle is the wire shape of an account plus its delegations.
type accountBundle struct {
	Account *services.Account `json:"account"`
	UCANs   []string          `json:"ucans"`
}

func bundle(resp *auth.AccountResponse) (*accountBundle, error) {
	out := &accountBundle{Account: resp.Account, UCANs: make([]string, 0, len(resp.UCANs))}
	for _, token := range resp.UCANs {
		encoded, err := token.EncodeString()
		if err != nil {
			return nil, trace.Wrap(err)
		}
		out.UCANs = append(out.UCANs, encoded)
	}
	return out, nil
}

func (h *Handler) createAccount(w http.ResponseWriter, r *http.Request, p httprouter.Params, authority *auth.Authority) (interface{}, error) {
	var req auth.CreateAccountRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	resp, err := h.Auth.CreateAccount(r.Context(), authority, req)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return bundle(resp)
}

func (h *Handler) linkDevice(w http.ResponseWriter, r *http.Request, p httprouter.Params, authority *auth.Authority) (interface{}, error) {
	var req auth.LinkDeviceRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	resp, err := h.Auth.LinkDevice(r.Context(), authority, req)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return bundle(resp)
}

func (h *Handler) getAccount(w http.ResponseWriter, r *http.Request, p httprouter.Params, authority *auth.Authority) (interface{}, error) {
	account, err := h.Auth.GetAccount(r.Context(), authority, p.ByName("did"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return account, nil
}

func (h *Handler) renameAccount(w http.ResponseWriter, r *http.Request, p httprouter.Params, authority *auth.Authority) (interface{}, error) {
	account, err := h.Auth.RenameAccount(r.Context(), authority, p.ByName("username"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return account, nil
}

func (h *Handler) deleteAccount(w http.ResponseWriter, r *http.Request, p httprouter.Params, authority *auth.Authority) (interface{}, error) {
	if err := h.Auth.DeleteAccount(r.Context(), authority); err != nil {
		return nil, trace.Wrap(err)
	}
	return nil, nil
}

func (h *Handler) getVolume(w http.ResponseWriter, r *http.Request, p httprouter.Params, authority *auth.Authority) (interface{}, error) {
	volume, err := h.Auth.GetVolume(r.Context(), authority, p.ByName("did"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return volume, nil
}

func (h *Handler) updateVolume(w http.ResponseWriter, r *http.Request, p httprouter.Params, authority *auth.Authority) (interface{}, error) {
	var req struct {
		CID string `json:"cid"`
	}
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	volume, err := h.Auth.UpdateVolume(r.Context(), authority, p.ByName("did"), req.CID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return volume, nil
}

// capabilitiesResponse is the wire shape of a capability fetch.
type capabilitiesResponse struct {
	UCANs   map[string]string `json:"ucans"`
	Revoked []string          `json:"revoked"`
}

func (h *Handler) capabilities(w http.ResponseWriter, r *http.Request, p httprouter.Params, authority *auth.Authority) (interface{}, error) {
	result, err := h.Auth.Capabilities(r.Context(), authority)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	resp := capabilitiesResponse{
		UCANs:   make(map[string]string, len(result.Tokens)),
		Revoked: result.Revoked,
	}
	if resp.Revoked == nil {
		resp.Revoked = []string{}
	}
	for id, token := range result.Tokens {
		encoded, err := token.EncodeString()
		if err != nil {
			return nil, trace.Wrap(err)
		}
		resp.UCANs[id] = encoded
	}
	return resp, nil
}

func (h *Handler) addRevocation(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	var revocation services.Revocation
	if err := httplib.ReadJSON(r, &revocation); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.Auth.AddRevocation(r.Context(), revocation); err != nil {
		return nil, trace.Wrap(err)
	}
	return nil, nil
}

func (h *Handler) relayWS(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	h.Hub.ServeWS(w, r, p.ByName("topic"))
}
