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
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/fission-codes/fission/lib/didkey"
	"github.com/fission-codes/fission/lib/ucan"
)

func newKey(t *testing.T) *didkey.Key {
	t.Helper()
	key, err := didkey.New()
	require.NoError(t, err)
	return key
}

// mint signs a token and returns it together with its canonical id.
func mint(t *testing.T, clock clockwork.Clock, issuer *didkey.Key, audience string, lifetime int64, caps ...ucan.Capability) (*ucan.Token, string) {
	t.Helper()
	b := ucan.NewBuilder().WithClock(clock).ToAudience(audience).ClaimCapability(caps...)
	if lifetime > 0 {
		b = b.WithLifetime(lifetime)
	}
	token, err := b.Sign(issuer)
	require.NoError(t, err)
	id, err := token.ID()
	require.NoError(t, err)
	return token, id
}

func tokenSet(tokens map[string]*ucan.Token, pairs ...any) map[string]*ucan.Token {
	if tokens == nil {
		tokens = make(map[string]*ucan.Token)
	}
	for i := 0; i < len(pairs); i += 2 {
		tokens[pairs[i].(string)] = pairs[i+1].(*ucan.Token)
	}
	return tokens
}

func TestResolveDirect(t *testing.T) {
	clock := clockwork.NewFakeClock()
	account := newKey(t)
	device := newKey(t)
	subject := account.DID()

	token, id := mint(t, clock, account, device.DID(), 0, ucan.OwnerCapabilities(subject)...)
	tokens := tokenSet(nil, id, token)

	chain, ok := Resolve(subject, ucan.AccountRead, device.DID(), tokens, nil, clock.Now())
	require.True(t, ok)
	require.Len(t, chain, 1)
	require.Equal(t, subject, chain[0].Issuer)
}

func TestResolveHolderIsSubject(t *testing.T) {
	clock := clockwork.NewFakeClock()
	subject := newKey(t).DID()

	chain, ok := Resolve(subject, ucan.AccountManage, subject, nil, nil, clock.Now())
	require.True(t, ok)
	require.Empty(t, chain)
}

func TestResolveTransitive(t *testing.T) {
	clock := clockwork.NewFakeClock()
	account := newKey(t)
	service := newKey(t)
	device := newKey(t)
	second := newKey(t)
	subject := account.DID()

	root, rootID := mint(t, clock, account, service.DID(), 0, ucan.OwnerCapabilities(subject)...)
	agent, agentID := mint(t, clock, service, device.DID(), 0, ucan.OwnerCapabilities(subject)...)
	leaf, leafID := mint(t, clock, device, second.DID(), 0,
		ucan.NewCapability(ucan.DIDResource(subject), ucan.AccountRead))
	tokens := tokenSet(nil, rootID, root, agentID, agent, leafID, leaf)

	chain, ok := Resolve(subject, ucan.AccountRead, second.DID(), tokens, nil, clock.Now())
	require.True(t, ok)
	require.Len(t, chain, 3)
	require.Equal(t, second.DID(), chain[0].Audience)
	require.Equal(t, chain[0].Issuer, chain[1].Audience)
	require.Equal(t, chain[1].Issuer, chain[2].Audience)
	require.Equal(t, subject, chain[2].Issuer)
}

// A delegation chain never widens: a link that only carries account/read
// cannot back a claim to account/manage.
func TestResolveAttenuation(t *testing.T) {
	clock := clockwork.NewFakeClock()
	account := newKey(t)
	device := newKey(t)
	second := newKey(t)
	subject := account.DID()

	root, rootID := mint(t, clock, account, device.DID(), 0, ucan.OwnerCapabilities(subject)...)
	leaf, leafID := mint(t, clock, device, second.DID(), 0,
		ucan.NewCapability(ucan.DIDResource(subject), ucan.AccountNoncritical))
	tokens := tokenSet(nil, rootID, root, leafID, leaf)

	_, ok := Resolve(subject, ucan.AccountManage, second.DID(), tokens, nil, clock.Now())
	require.False(t, ok)

	// account/noncritical subsumes account/read.
	chain, ok := Resolve(subject, ucan.AccountRead, second.DID(), tokens, nil, clock.Now())
	require.True(t, ok)
	require.Len(t, chain, 2)
}

func TestResolveRevokedLink(t *testing.T) {
	clock := clockwork.NewFakeClock()
	account := newKey(t)
	service := newKey(t)
	device := newKey(t)
	subject := account.DID()

	root, rootID := mint(t, clock, account, service.DID(), 0, ucan.OwnerCapabilities(subject)...)
	agent, agentID := mint(t, clock, service, device.DID(), 0, ucan.OwnerCapabilities(subject)...)
	tokens := tokenSet(nil, rootID, root, agentID, agent)

	_, ok := Resolve(subject, ucan.AccountRead, device.DID(), tokens, map[string]bool{agentID: true}, clock.Now())
	require.False(t, ok)

	chain, ok := Resolve(subject, ucan.AccountRead, device.DID(), tokens, nil, clock.Now())
	require.True(t, ok)
	require.Len(t, chain, 2)
}

func TestResolveExpiredLink(t *testing.T) {
	clock := clockwork.NewFakeClock()
	account := newKey(t)
	device := newKey(t)
	subject := account.DID()

	token, id := mint(t, clock, account, device.DID(), 60, ucan.OwnerCapabilities(subject)...)
	tokens := tokenSet(nil, id, token)

	_, ok := Resolve(subject, ucan.AccountRead, device.DID(), tokens, nil, clock.Now().Add(2*time.Minute))
	require.False(t, ok)
}

// Mutual delegations between two keys that never reach the subject must
// terminate, not recurse forever.
func TestResolveCycleTerminates(t *testing.T) {
	clock := clockwork.NewFakeClock()
	subject := newKey(t).DID()
	a := newKey(t)
	b := newKey(t)

	ab, abID := mint(t, clock, a, b.DID(), 0, ucan.NewCapability(ucan.DIDResource(subject), ucan.AccountRead))
	ba, baID := mint(t, clock, b, a.DID(), 0, ucan.NewCapability(ucan.DIDResource(subject), ucan.AccountRead))
	tokens := tokenSet(nil, abID, ab, baID, ba)

	_, ok := Resolve(subject, ucan.AccountRead, a.DID(), tokens, nil, clock.Now())
	require.False(t, ok)
}
