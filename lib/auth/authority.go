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

package auth

import (
	"strings"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/fission-codes/fission/lib/httplib"
	"github.com/fission-codes/fission/lib/ucan"
)

// Authority is what a request proved about its sender: the presenter
// token from the bearer header plus the witness tokens from the ucan
// header, all signature-verified and inside their validity windows.
type Authority struct {
	// Presenter is the token presented as the bearer credential.
	Presenter *ucan.Token
	// PresenterID is its canonical id.
	PresenterID string
	// Witnesses maps canonical ids to the presented witness tokens.
	Witnesses map[string]*ucan.Token

	serverDID string
	clock     clockwork.Clock
}

// ParseAuthority decodes and verifies the presenter and witness
// encodings carried on a request. Any decode, signature or validity
// failure rejects the whole bag.
func ParseAuthority(bearer, witnessHeader, serverDID string, clock clockwork.Clock) (*Authority, error) {
	presenter, id, err := checkEncodedToken(bearer, clock)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	authority := &Authority{
		Presenter:   presenter,
		PresenterID: id,
		Witnesses:   make(map[string]*ucan.Token),
		serverDID:   serverDID,
		clock:       clock,
	}
	for _, encoded := range strings.Split(witnessHeader, ",") {
		encoded = strings.TrimSpace(encoded)
		if encoded == "" {
			continue
		}
		witness, id, err := checkEncodedToken(encoded, clock)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		authority.Witnesses[id] = witness
	}
	return authority, nil
}

// checkEncodedToken decodes and verifies one presented token. Failures
// are credential failures (401), not authorization failures (403): a
// token that does not decode or verify is no credential at all.
func checkEncodedToken(encoded string, clock clockwork.Clock) (*ucan.Token, string, error) {
	token, err := ucan.DecodeString(encoded)
	if err != nil {
		return nil, "", httplib.Unauthenticated("invalid token: %v", err)
	}
	if err := token.VerifySignature(); err != nil {
		return nil, "", httplib.Unauthenticated("invalid token: %v", err)
	}
	if !token.ValidAt(clock.Now()) {
		return nil, "", httplib.Unauthenticated("invalid token: outside its validity window")
	}
	id, err := token.ID()
	if err != nil {
		return nil, "", trace.Wrap(err)
	}
	return token, id, nil
}

// DeviceDID is the DID of the key that signed the presenter token.
func (a *Authority) DeviceDID() string {
	return a.Presenter.Issuer
}

// SubjectDID is the account DID the presenter's first capability points
// at. Handlers use it when the route itself does not name an account.
func (a *Authority) SubjectDID() (string, error) {
	for _, c := range a.Presenter.Capabilities {
		if c.Resource.Kind == ucan.ResourceDID || c.Resource.Kind == ucan.ResourceVolume {
			return c.Resource.DID, nil
		}
	}
	return "", trace.BadParameter("presenter token names no account resource")
}

// TokenIDs lists the canonical ids of every presented token.
func (a *Authority) TokenIDs() []string {
	ids := make([]string, 0, len(a.Witnesses)+1)
	ids = append(ids, a.PresenterID)
	for id := range a.Witnesses {
		ids = append(ids, id)
	}
	return ids
}

// Require proves that the presented tokens grant ability over subject,
// treating the ids marked revoked as absent. The presenter must be
// addressed to this service and must itself claim the capability; the
// witness chain then walks from the presenter's signer back to the
// subject's own key.
func (a *Authority) Require(subject string, ability ucan.Ability, revoked map[string]bool) ([]*ucan.Token, error) {
	if a.serverDID != "" && a.Presenter.Audience != a.serverDID {
		return nil, trace.AccessDenied("presenter token is not addressed to this service")
	}
	if revoked[a.PresenterID] {
		return nil, trace.AccessDenied("presenter token is revoked")
	}
	if !grants(a.Presenter, subject, ability) {
		return nil, trace.AccessDenied("presenter token does not claim %v over %v", ability, subject)
	}
	chain, ok := Resolve(subject, ability, a.Presenter.Issuer, a.Witnesses, revoked, a.clock.Now())
	if !ok {
		return nil, trace.AccessDenied("the presented witnesses do not prove %v over %v", ability, subject)
	}
	return append([]*ucan.Token{a.Presenter}, chain...), nil
}
