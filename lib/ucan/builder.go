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

package ucan

import (
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/fission-codes/fission/lib/didkey"
)

// Builder composes a token. The zero lifetime leaves Expires unset,
// i.e. the token never expires.
type Builder struct {
	audience  string
	lifetime  time.Duration
	notBefore time.Time
	caps      []Capability
	witnesses []string
	clock     clockwork.Clock
}

// NewBuilder returns a builder using the real clock.
func NewBuilder() *Builder {
	return &Builder{clock: clockwork.NewRealClock()}
}

// WithClock overrides the clock used to derive Expires from the
// lifetime, used in tests.
func (b *Builder) WithClock(clock clockwork.Clock) *Builder {
	b.clock = clock
	return b
}

// ToAudience sets the recipient DID.
func (b *Builder) ToAudience(did string) *Builder {
	b.audience = did
	return b
}

// WithLifetime sets the validity window to the given number of seconds
// from now.
func (b *Builder) WithLifetime(seconds int64) *Builder {
	b.lifetime = time.Duration(seconds) * time.Second
	return b
}

// WithNotBefore delays the start of the validity window.
func (b *Builder) WithNotBefore(t time.Time) *Builder {
	b.notBefore = t
	return b
}

// ClaimCapability asserts a capability triple.
func (b *Builder) ClaimCapability(caps ...Capability) *Builder {
	b.caps = append(b.caps, caps...)
	return b
}

// WitnessedBy references a backing token by canonical id.
func (b *Builder) WitnessedBy(ids ...string) *Builder {
	b.witnesses = append(b.witnesses, ids...)
	return b
}

// Sign stamps the issuer from the key's DID, signs the canonical
// payload and returns the finished token. A builder with no asserted
// capabilities fails.
func (b *Builder) Sign(key *didkey.Key) (*Token, error) {
	if len(b.caps) == 0 {
		return nil, trace.BadParameter("token asserts no capabilities")
	}
	t := &Token{
		Issuer:       key.DID(),
		Audience:     b.audience,
		NotBefore:    b.notBefore,
		Capabilities: b.caps,
		Witnesses:    b.witnesses,
	}
	if b.lifetime > 0 {
		t.Expires = b.clock.Now().Add(b.lifetime).UTC().Truncate(time.Second)
	}
	payload, err := t.SigningPayload()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	t.Signature = key.Sign(payload)
	return t, nil
}
