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

import "github.com/gravitational/trace"

// Ability names an action a capability grants over its resource. The
// set is closed: tokens carrying anything else fail to decode.
type Ability string

const (
	// AccountCreate permits creating an account keyed by the resource DID.
	AccountCreate Ability = "account/create"

	// AccountRead permits reading account info.
	AccountRead Ability = "account/read"

	// AccountManage permits mutating the account, e.g. renaming.
	AccountManage Ability = "account/manage"

	// AccountDelete permits destroying the account.
	AccountDelete Ability = "account/delete"

	// AccountNoncritical bundles the non-destructive account abilities.
	AccountNoncritical Ability = "account/noncritical"

	// CapabilityFetch permits reading the audience closure of the
	// resource DID.
	CapabilityFetch Ability = "capability/fetch"

	// VolumeUpdate permits repointing the account volume at a new CID.
	VolumeUpdate Ability = "volume/update"
)

// abilities is the closed vocabulary, used by ParseAbility.
var abilities = map[Ability]struct{}{
	AccountCreate:      {},
	AccountRead:        {},
	AccountManage:      {},
	AccountDelete:      {},
	AccountNoncritical: {},
	CapabilityFetch:    {},
	VolumeUpdate:       {},
}

// ParseAbility validates a wire ability name against the closed set.
func ParseAbility(s string) (Ability, error) {
	a := Ability(s)
	if _, ok := abilities[a]; !ok {
		return "", trace.BadParameter("unknown ability %q", s)
	}
	return a, nil
}

// Subsumes reports whether a delegation carrying this ability is
// sufficient for child. Every ability subsumes itself;
// account/noncritical additionally subsumes account/read and
// account/create, and nothing else. In particular it never subsumes
// account/manage or account/delete.
func (a Ability) Subsumes(child Ability) bool {
	if a == child {
		return true
	}
	if a == AccountNoncritical {
		return child == AccountRead || child == AccountCreate
	}
	return false
}
