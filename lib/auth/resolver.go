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
	"sort"
	"time"

	"github.com/fission-codes/fission/lib/ucan"
)

// Resolve finds an ordered chain of tokens [T1 … Tn] proving that
// holder may exercise ability over subject:
//
//   - T1.Audience = holder,
//   - each following token's audience is the previous token's issuer,
//   - Tn.Issuer = subject,
//   - every token carries a capability whose resource contains subject
//     and whose ability subsumes the required one,
//   - no token is revoked and all are valid at now.
//
// If holder equals subject the empty chain trivially proves authority.
// Candidates are tried in lexicographic id order, so the same store
// yields the same chain; callers must still treat any valid chain as
// acceptable.
func Resolve(subject string, ability ucan.Ability, holder string, tokens map[string]*ucan.Token, revoked map[string]bool, now time.Time) ([]*ucan.Token, bool) {
	if holder == subject {
		return []*ucan.Token{}, true
	}

	// Index usable tokens by audience, dropping anything revoked,
	// out of window or without a sufficient capability up front.
	byAudience := make(map[string][]string)
	usable := make(map[string]*ucan.Token)
	for id, token := range tokens {
		if revoked[id] || !token.ValidAt(now) {
			continue
		}
		if !grants(token, subject, ability) {
			continue
		}
		usable[id] = token
		byAudience[token.Audience] = append(byAudience[token.Audience], id)
	}
	for _, ids := range byAudience {
		sort.Strings(ids)
	}

	visited := make(map[string]bool)
	var walk func(audience string) ([]*ucan.Token, bool)
	walk = func(audience string) ([]*ucan.Token, bool) {
		for _, id := range byAudience[audience] {
			if visited[id] {
				continue
			}
			token := usable[id]
			if token.Issuer == subject {
				return []*ucan.Token{token}, true
			}
			visited[id] = true
			if rest, ok := walk(token.Issuer); ok {
				return append([]*ucan.Token{token}, rest...), true
			}
		}
		return nil, false
	}
	return walk(holder)
}

// grants reports whether the token carries a capability whose resource
// contains the subject and whose ability subsumes the required one.
func grants(token *ucan.Token, subject string, ability ucan.Ability) bool {
	for _, c := range token.Capabilities {
		if c.Resource.Contains(subject) && c.Ability.Subsumes(ability) {
			return true
		}
	}
	return false
}
