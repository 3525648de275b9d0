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

// Package ucan implements the capability token model: a signed,
// time-bounded statement by an issuer granting an audience one or more
// (resource, ability, caveats) triples, optionally backed by witness
// tokens that prove the issuer's own authority.
//
// Tokens are encoded as canonical CBOR; the canonical id of a token is
// the CIDv1 (dag-cbor, sha2-256) of its encoded bytes, rendered in the
// default lower-case base32 form. The id is stable across
// re-serialisation and is the deduplication and revocation key.
package ucan

import (
	"bytes"
	"encoding/base64"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/gravitational/trace"
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"

	"github.com/fission-codes/fission/lib/didkey"
)

// Token is the in-memory form of a capability token. The zero values of
// NotBefore and Expires mean "immediately valid" and "never expires".
type Token struct {
	// Issuer is the DID of the signer.
	Issuer string
	// Audience is the DID of the recipient.
	Audience string
	// NotBefore is the start of the validity window, if set.
	NotBefore time.Time
	// Expires is the end of the validity window, if set.
	Expires time.Time
	// Capabilities is the non-empty list of granted triples.
	Capabilities []Capability
	// Witnesses lists canonical ids of tokens backing this one.
	Witnesses []string
	// Signature covers the canonical encoding of all preceding fields,
	// verifiable against Issuer.
	Signature []byte
}

// encMode is the deterministic CBOR encoder shared by encoding, signing
// and id computation.
var encMode = func() cbor.EncMode {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

// envelope is the wire form of a token.
type envelope struct {
	Issuer       string               `cbor:"iss"`
	Audience     string               `cbor:"aud"`
	NotBefore    int64                `cbor:"nbf,omitempty"`
	Expires      int64                `cbor:"exp,omitempty"`
	Capabilities []capabilityEnvelope `cbor:"cap"`
	Witnesses    []string             `cbor:"prf,omitempty"`
	Signature    []byte               `cbor:"sig,omitempty"`
}

type capabilityEnvelope struct {
	With    string `cbor:"with"`
	Can     string `cbor:"can"`
	Caveats []byte `cbor:"nb,omitempty"`
}

func (t *Token) envelope(withSignature bool) envelope {
	env := envelope{
		Issuer:    t.Issuer,
		Audience:  t.Audience,
		Witnesses: t.Witnesses,
	}
	if !t.NotBefore.IsZero() {
		env.NotBefore = t.NotBefore.Unix()
	}
	if !t.Expires.IsZero() {
		env.Expires = t.Expires.Unix()
	}
	for _, c := range t.Capabilities {
		caveats := bytes.TrimSpace(c.Caveats)
		if bytes.Equal(caveats, []byte("{}")) {
			caveats = nil
		}
		env.Capabilities = append(env.Capabilities, capabilityEnvelope{
			With:    c.Resource.String(),
			Can:     string(c.Ability),
			Caveats: caveats,
		})
	}
	if withSignature {
		env.Signature = t.Signature
	}
	return env
}

// Encode renders the token in its canonical wire form.
func (t *Token) Encode() ([]byte, error) {
	data, err := encMode.Marshal(t.envelope(true))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return data, nil
}

// SigningPayload is the canonical encoding the signature covers: the
// envelope with the signature field absent.
func (t *Token) SigningPayload() ([]byte, error) {
	data, err := encMode.Marshal(t.envelope(false))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return data, nil
}

// Decode parses a canonical wire form back into a token. Unknown
// abilities and malformed resources are rejected; signatures are not
// checked here, see VerifySignature.
func Decode(data []byte) (*Token, error) {
	var env envelope
	if err := cbor.Unmarshal(data, &env); err != nil {
		return nil, trace.BadParameter("malformed token: %v", err)
	}
	if len(env.Capabilities) == 0 {
		return nil, trace.BadParameter("token asserts no capabilities")
	}
	t := &Token{
		Issuer:    env.Issuer,
		Audience:  env.Audience,
		Witnesses: env.Witnesses,
		Signature: env.Signature,
	}
	if env.NotBefore != 0 {
		t.NotBefore = time.Unix(env.NotBefore, 0).UTC()
	}
	if env.Expires != 0 {
		t.Expires = time.Unix(env.Expires, 0).UTC()
	}
	for _, c := range env.Capabilities {
		resource, err := ParseResource(c.With)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		ability, err := ParseAbility(c.Can)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		t.Capabilities = append(t.Capabilities, Capability{
			Resource: resource,
			Ability:  ability,
			Caveats:  c.Caveats,
		})
	}
	return t, nil
}

// ID computes the canonical content id of the token.
func (t *Token) ID() (string, error) {
	data, err := t.Encode()
	if err != nil {
		return "", trace.Wrap(err)
	}
	sum, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		return "", trace.Wrap(err)
	}
	return cid.NewCidV1(cid.DagCBOR, sum).String(), nil
}

// VerifySignature checks the token signature against the issuer DID.
func (t *Token) VerifySignature() error {
	payload, err := t.SigningPayload()
	if err != nil {
		return trace.Wrap(err)
	}
	if err := didkey.Verify(t.Issuer, payload, t.Signature); err != nil {
		return trace.BadParameter("invalid token signature: %v", err)
	}
	return nil
}

// ValidAt reports whether the token's validity window contains the
// given instant.
func (t *Token) ValidAt(now time.Time) bool {
	if !t.NotBefore.IsZero() && now.Before(t.NotBefore) {
		return false
	}
	if !t.Expires.IsZero() && now.After(t.Expires) {
		return false
	}
	return true
}

// EncodeString renders the token as unpadded URL-safe base64 of its
// canonical form, the representation carried in HTTP headers and JSON
// bodies.
func (t *Token) EncodeString() (string, error) {
	data, err := t.Encode()
	if err != nil {
		return "", trace.Wrap(err)
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// DecodeString reverses EncodeString.
func DecodeString(s string) (*Token, error) {
	data, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, trace.BadParameter("malformed token encoding: %v", err)
	}
	t, err := Decode(data)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return t, nil
}
