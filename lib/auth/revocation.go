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
	"context"

	"github.com/gravitational/trace"

	"github.com/fission-codes/fission/lib/didkey"
	"github.com/fission-codes/fission/lib/services"
	"github.com/fission-codes/fission/lib/ucan"
)

// AddRevocation records a revocation of a stored token. The revoker
// authenticates by signing "REVOKE:<token id>" with their own key; no
// bearer token is required. Authority to revoke is proved structurally:
// the revoker's DID must appear as an issuer somewhere in the revoked
// token's witness ancestry, the token's own issuer included.
func (s *Server) AddRevocation(ctx context.Context, revocation services.Revocation) error {
	if revocation.TokenID == "" {
		return trace.BadParameter("revocation names no token")
	}
	payload := services.RevocationPayload(revocation.TokenID)
	if err := didkey.Verify(revocation.IssuerDID, payload, revocation.Signature); err != nil {
		return trace.AccessDenied("invalid revocation signature: %v", err)
	}
	token, err := s.Identity.GetToken(ctx, revocation.TokenID)
	if err != nil {
		if trace.IsNotFound(err) {
			return trace.NotFound("revoked token unknown")
		}
		return trace.Wrap(err)
	}
	authorized, err := s.issuedInAncestry(ctx, token, revocation.IssuerDID)
	if err != nil {
		return trace.Wrap(err)
	}
	if !authorized {
		return trace.AccessDenied("%v is not authorized to revoke %v", revocation.IssuerDID, revocation.TokenID)
	}
	if err := s.Identity.UpsertRevocation(ctx, revocation); err != nil {
		return trace.Wrap(err)
	}
	log.InfoContext(ctx, "recorded revocation", "token", revocation.TokenID, "issuer", revocation.IssuerDID)
	return nil
}

// issuedInAncestry walks the witness references of the token breadth
// first and reports whether did issued any token in the tree. Witness
// ids with no stored token are skipped rather than failing the walk.
func (s *Server) issuedInAncestry(ctx context.Context, token *ucan.Token, did string) (bool, error) {
	visited := make(map[string]bool)
	frontier := []*ucan.Token{token}
	for len(frontier) > 0 {
		current := frontier[0]
		frontier = frontier[1:]
		if current.Issuer == did {
			return true, nil
		}
		for _, id := range current.Witnesses {
			if visited[id] {
				continue
			}
			visited[id] = true
			witness, err := s.Identity.GetToken(ctx, id)
			if err != nil {
				if trace.IsNotFound(err) {
					continue
				}
				return false, trace.Wrap(err)
			}
			frontier = append(frontier, witness)
		}
	}
	return false, nil
}
