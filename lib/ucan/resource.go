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
	"encoding/json"
	"strings"

	"github.com/gravitational/trace"

	"github.com/fission-codes/fission/lib/didkey"
)

// ResourceKind discriminates the closed set of resource variants.
type ResourceKind int

const (
	// ResourceDID scopes a capability to a single account DID.
	ResourceDID ResourceKind = iota

	// ResourceVolume scopes a capability to the volume of an account DID.
	ResourceVolume

	// ResourceAllProvable stands for every resource the issuer can
	// itself prove authority over.
	ResourceAllProvable
)

// Wire forms of the non-DID resource variants.
const (
	volumeScheme   = "volume:"
	allProvableRaw = "ucan:*"
)

// Resource is the subject a capability ranges over.
type Resource struct {
	Kind ResourceKind
	// DID is set for ResourceDID and ResourceVolume.
	DID string
}

// DIDResource scopes to a single account DID.
func DIDResource(did string) Resource {
	return Resource{Kind: ResourceDID, DID: did}
}

// VolumeResource scopes to the volume of an account DID.
func VolumeResource(did string) Resource {
	return Resource{Kind: ResourceVolume, DID: did}
}

// AllProvable matches any resource the issuer can prove.
func AllProvable() Resource {
	return Resource{Kind: ResourceAllProvable}
}

// ParseResource parses the wire form of a resource.
func ParseResource(s string) (Resource, error) {
	switch {
	case s == allProvableRaw:
		return AllProvable(), nil
	case strings.HasPrefix(s, volumeScheme):
		did := strings.TrimPrefix(s, volumeScheme)
		if _, err := didkey.Parse(did); err != nil {
			return Resource{}, trace.Wrap(err)
		}
		return VolumeResource(did), nil
	case strings.HasPrefix(s, didkey.Prefix):
		if _, err := didkey.Parse(s); err != nil {
			return Resource{}, trace.Wrap(err)
		}
		return DIDResource(s), nil
	}
	return Resource{}, trace.BadParameter("unknown resource %q", s)
}

// String renders the wire form of the resource.
func (r Resource) String() string {
	switch r.Kind {
	case ResourceVolume:
		return volumeScheme + r.DID
	case ResourceAllProvable:
		return allProvableRaw
	default:
		return r.DID
	}
}

// Contains reports whether a capability over this resource ranges over
// the given subject DID. AllProvable contains every subject; DID and
// volume resources contain exactly their own DID.
func (r Resource) Contains(subject string) bool {
	if r.Kind == ResourceAllProvable {
		return true
	}
	return r.DID == subject
}

// Capability is a single (resource, ability, caveats) triple. Caveats
// are carried opaquely and are not interpreted anywhere.
type Capability struct {
	Resource Resource
	Ability  Ability
	// Caveats is an opaque JSON object; empty or "{}" means no
	// restriction.
	Caveats json.RawMessage
}

// NewCapability builds an unrestricted capability.
func NewCapability(r Resource, a Ability) Capability {
	return Capability{Resource: r, Ability: a}
}

// Subsumes reports whether this capability is sufficient to delegate
// child: resources must match (equal, or this resource is AllProvable)
// and the ability must subsume the child's. Caveats are not compared.
func (c Capability) Subsumes(child Capability) bool {
	if c.Resource.Kind != ResourceAllProvable {
		if c.Resource.Kind != child.Resource.Kind || c.Resource.DID != child.Resource.DID {
			return false
		}
	}
	return c.Ability.Subsumes(child.Ability)
}

// OwnerCapabilities is the full-authority capability set over an
// account DID, claimed by the root delegation minted at account
// creation. The vocabulary has no single top ability, so full authority
// is the union of every ability that ranges over an account.
func OwnerCapabilities(did string) []Capability {
	return []Capability{
		NewCapability(DIDResource(did), AccountNoncritical),
		NewCapability(DIDResource(did), AccountManage),
		NewCapability(DIDResource(did), AccountDelete),
		NewCapability(DIDResource(did), CapabilityFetch),
		NewCapability(VolumeResource(did), VolumeUpdate),
	}
}
