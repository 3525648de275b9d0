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
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/miekg/dns"
)

// Media types of the two DoH response formats.
const (
	mimeWire = "application/dns-message"
	mimeJSON = "application/dns-json"
)

// DoHHandler exposes the resolver over HTTPS per RFC 8484, plus the
// JSON query format for browser callers that ask for it.
type DoHHandler struct {
	Resolver *Server
}

// ServeHTTP answers GET ?dns=<base64url wire query>, POST with a wire
// format body, and GET ?name=&type= with an application/dns-json
// accept header.
func (h *DoHHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	query, jsonReply, err := h.parseQuery(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	answer := h.Resolver.Resolve(r.Context(), query)
	if jsonReply {
		h.replyJSON(w, answer)
		return
	}
	packed, err := answer.Pack()
	if err != nil {
		http.Error(w, "failed to pack response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", mimeWire)
	w.Write(packed)
}

func (h *DoHHandler) parseQuery(r *http.Request) (query *dns.Msg, jsonReply bool, err error) {
	switch r.Method {
	case http.MethodGet:
		if name := r.URL.Query().Get("name"); name != "" && wantsJSON(r) {
			qtype := dns.TypeTXT
			if t, ok := dns.StringToType[strings.ToUpper(r.URL.Query().Get("type"))]; ok {
				qtype = t
			}
			m := new(dns.Msg)
			m.SetQuestion(dns.Fqdn(name), qtype)
			return m, true, nil
		}
		encoded := r.URL.Query().Get("dns")
		if encoded == "" {
			return nil, false, badRequest("missing dns query parameter")
		}
		wire, err := base64.RawURLEncoding.DecodeString(encoded)
		if err != nil {
			return nil, false, badRequest("dns parameter is not base64url")
		}
		return unpack(wire)
	case http.MethodPost:
		wire, err := io.ReadAll(io.LimitReader(r.Body, dns.MaxMsgSize))
		if err != nil {
			return nil, false, badRequest("failed to read request body")
		}
		return unpack(wire)
	}
	return nil, false, badRequest("method not supported")
}

func wantsJSON(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), mimeJSON)
}

func unpack(wire []byte) (*dns.Msg, bool, error) {
	m := new(dns.Msg)
	if err := m.Unpack(wire); err != nil {
		return nil, false, badRequest("malformed dns message")
	}
	return m, false, nil
}

// dohError keeps the handler free of the structured error machinery;
// these render as plain 400 bodies.
type dohError string

func (e dohError) Error() string { return string(e) }

func badRequest(msg string) error { return dohError(msg) }

// jsonAnswer is the resolved record shape of the JSON query format.
type jsonAnswer struct {
	Name string `json:"name"`
	Type uint16 `json:"type"`
	TTL  uint32 `json:"TTL"`
	Data string `json:"data"`
}

// jsonResponse mirrors the Google and Cloudflare JSON DNS schema
// closely enough for dig-over-curl usage.
type jsonResponse struct {
	Status   int            `json:"Status"`
	TC       bool           `json:"TC"`
	RD       bool           `json:"RD"`
	RA       bool           `json:"RA"`
	Question []jsonQuestion `json:"Question"`
	Answer   []jsonAnswer   `json:"Answer,omitempty"`
}

type jsonQuestion struct {
	Name string `json:"name"`
	Type uint16 `json:"type"`
}

func (h *DoHHandler) replyJSON(w http.ResponseWriter, m *dns.Msg) {
	resp := jsonResponse{
		Status: m.Rcode,
		TC:     m.Truncated,
		RD:     m.RecursionDesired,
		RA:     m.RecursionAvailable,
	}
	for _, q := range m.Question {
		resp.Question = append(resp.Question, jsonQuestion{Name: q.Name, Type: q.Qtype})
	}
	for _, rr := range m.Answer {
		data := strings.TrimPrefix(rr.String(), rr.Header().String())
		resp.Answer = append(resp.Answer, jsonAnswer{
			Name: rr.Header().Name,
			Type: rr.Header().Rrtype,
			TTL:  rr.Header().Ttl,
			Data: data,
		})
	}
	w.Header().Set("Content-Type", mimeJSON)
	json.NewEncoder(w).Encode(resp)
}
