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

// Package local implements the identity stores in process memory. It
// backs the development mode of the server and the test suites; the
// production implementation lives in services/pgsql.
package local

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/fission-codes/fission/lib/services"
	"github.com/fission-codes/fission/lib/ucan"
)

// IdentityService keeps all rows in maps guarded by a single RWMutex.
// No lock is held across anything that can block.
type IdentityService struct {
	clock clockwork.Clock

	mu            sync.RWMutex
	accounts      map[string]services.Account // did → account
	usernames     map[string]string           // username → did
	volumes       map[string]services.Volume  // volume id → volume
	tokens        map[string]storedToken      // canonical id → token
	byAudience    map[string][]string         // audience DID → token ids
	revocations   map[string]map[string]services.Revocation // token id → issuer → revocation
	verifications map[string][]services.EmailVerification   // email → records
}

// storedToken keeps the canonical encoded bytes alongside the decoded
// form; closure reads decode from the stored encoding.
type storedToken struct {
	token   *ucan.Token
	encoded []byte
}

// NewIdentityService returns an empty in-memory store.
func NewIdentityService(clock clockwork.Clock) *IdentityService {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &IdentityService{
		clock:         clock,
		accounts:      make(map[string]services.Account),
		usernames:     make(map[string]string),
		volumes:       make(map[string]services.Volume),
		tokens:        make(map[string]storedToken),
		byAudience:    make(map[string][]string),
		revocations:   make(map[string]map[string]services.Revocation),
		verifications: make(map[string][]services.EmailVerification),
	}
}

// Close implements services.Identity.
func (s *IdentityService) Close() error { return nil }

// CreateAccount writes a new account row.
func (s *IdentityService) CreateAccount(ctx context.Context, account services.Account) (*services.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	created, err := s.createAccountLocked(account)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return created, nil
}

func (s *IdentityService) createAccountLocked(account services.Account) (*services.Account, error) {
	if _, ok := s.accounts[account.DID]; ok {
		return nil, trace.AlreadyExists("account %v already exists", account.DID)
	}
	if account.Username != "" {
		if _, ok := s.usernames[account.Username]; ok {
			return nil, trace.AlreadyExists("username %q is taken", account.Username)
		}
	}
	if account.ID == "" {
		account.ID = uuid.NewString()
	}
	now := s.clock.Now().UTC()
	account.InsertedAt = now
	account.UpdatedAt = now
	s.accounts[account.DID] = account
	if account.Username != "" {
		s.usernames[account.Username] = account.DID
	}
	out := account
	return &out, nil
}

// GetAccount fetches an account by DID.
func (s *IdentityService) GetAccount(ctx context.Context, did string) (*services.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	account, ok := s.accounts[did]
	if !ok {
		return nil, trace.NotFound("account %v not found", did)
	}
	out := account
	return &out, nil
}

// GetAccountByUsername fetches an account by its unique username.
func (s *IdentityService) GetAccountByUsername(ctx context.Context, username string) (*services.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	did, ok := s.usernames[username]
	if !ok {
		return nil, trace.NotFound("account %q not found", username)
	}
	account := s.accounts[did]
	out := account
	return &out, nil
}

// UpdateAccount rewrites the mutable fields of an account row.
func (s *IdentityService) UpdateAccount(ctx context.Context, account services.Account) (*services.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.accounts[account.DID]
	if !ok {
		return nil, trace.NotFound("account %v not found", account.DID)
	}
	if account.Username != existing.Username {
		if account.Username != "" {
			if _, taken := s.usernames[account.Username]; taken {
				return nil, trace.AlreadyExists("username %q is taken", account.Username)
			}
			s.usernames[account.Username] = account.DID
		}
		if existing.Username != "" {
			delete(s.usernames, existing.Username)
		}
	}
	account.ID = existing.ID
	account.InsertedAt = existing.InsertedAt
	account.UpdatedAt = s.clock.Now().UTC()
	s.accounts[account.DID] = account
	out := account
	return &out, nil
}

// DeleteAccount removes the account row and its volume row.
func (s *IdentityService) DeleteAccount(ctx context.Context, did string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	account, ok := s.accounts[did]
	if !ok {
		return trace.NotFound("account %v not found", did)
	}
	delete(s.accounts, did)
	if account.Username != "" {
		delete(s.usernames, account.Username)
	}
	if account.VolumeID != "" {
		delete(s.volumes, account.VolumeID)
	}
	return nil
}

// UpsertVolume creates the volume row or repoints its CID in place.
func (s *IdentityService) UpsertVolume(ctx context.Context, volume services.Volume) (*services.Volume, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now().UTC()
	if volume.ID == "" {
		volume.ID = uuid.NewString()
	}
	if existing, ok := s.volumes[volume.ID]; ok {
		existing.CID = volume.CID
		existing.UpdatedAt = now
		s.volumes[volume.ID] = existing
		out := existing
		return &out, nil
	}
	volume.InsertedAt = now
	volume.UpdatedAt = now
	s.volumes[volume.ID] = volume
	out := volume
	return &out, nil
}

// GetVolume fetches a volume row by id.
func (s *IdentityService) GetVolume(ctx context.Context, id string) (*services.Volume, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	volume, ok := s.volumes[id]
	if !ok {
		return nil, trace.NotFound("volume %v not found", id)
	}
	out := volume
	return &out, nil
}

// UpsertToken indexes a token, idempotent by canonical id.
func (s *IdentityService) UpsertToken(ctx context.Context, token *ucan.Token) error {
	if err := services.CheckToken(token, s.clock); err != nil {
		return trace.Wrap(err)
	}
	id, err := token.ID()
	if err != nil {
		return trace.Wrap(err)
	}
	encoded, err := token.Encode()
	if err != nil {
		return trace.Wrap(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upsertTokenLocked(id, token, encoded)
	return nil
}

func (s *IdentityService) upsertTokenLocked(id string, token *ucan.Token, encoded []byte) {
	if _, ok := s.tokens[id]; ok {
		return
	}
	s.tokens[id] = storedToken{token: token, encoded: encoded}
	s.byAudience[token.Audience] = append(s.byAudience[token.Audience], id)
}

// GetToken fetches a stored token by canonical id.
func (s *IdentityService) GetToken(ctx context.Context, id string) (*ucan.Token, error) {
	s.mu.RLock()
	stored, ok := s.tokens[id]
	s.mu.RUnlock()
	if !ok {
		return nil, trace.NotFound("token %v not found", id)
	}
	token, err := ucan.Decode(stored.encoded)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return token, nil
}

// AudienceClosure walks issuer-to-audience edges backwards from the
// given DID. The resource mask is frozen from the seed set: tokens
// found later must carry at least one capability over a resource that
// already appeared in the seed.
func (s *IdentityService) AudienceClosure(ctx context.Context, did string) (map[string]*ucan.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	visited := make(map[string][]byte)
	mask := make(map[string]struct{})
	var frontier []string

	// Seed: every token addressed directly to the DID. The seed fixes
	// the resource mask.
	for _, id := range s.byAudience[did] {
		stored := s.tokens[id]
		visited[id] = stored.encoded
		for _, c := range stored.token.Capabilities {
			mask[c.Resource.String()] = struct{}{}
		}
		frontier = append(frontier, stored.token.Issuer)
	}

	for len(frontier) > 0 {
		var next []string
		for _, audience := range frontier {
			for _, id := range s.byAudience[audience] {
				if _, seen := visited[id]; seen {
					continue
				}
				stored := s.tokens[id]
				if !tokenInMask(stored.token, mask) {
					continue
				}
				visited[id] = stored.encoded
				next = append(next, stored.token.Issuer)
			}
		}
		frontier = next
	}

	out := make(map[string]*ucan.Token, len(visited))
	for id, encoded := range visited {
		token, err := ucan.Decode(encoded)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		out[id] = token
	}
	return out, nil
}

func tokenInMask(token *ucan.Token, mask map[string]struct{}) bool {
	for _, c := range token.Capabilities {
		if _, ok := mask[c.Resource.String()]; ok {
			return true
		}
	}
	return false
}

// UpsertRevocation records a revocation, idempotent by (id, issuer).
// Authorization is the account engine's concern; the store only
// persists.
func (s *IdentityService) UpsertRevocation(ctx context.Context, revocation services.Revocation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byIssuer, ok := s.revocations[revocation.TokenID]
	if !ok {
		byIssuer = make(map[string]services.Revocation)
		s.revocations[revocation.TokenID] = byIssuer
	}
	if _, ok := byIssuer[revocation.IssuerDID]; ok {
		return nil
	}
	byIssuer[revocation.IssuerDID] = revocation
	return nil
}

// IsRevoked reports whether any revocation exists for the id.
func (s *IdentityService) IsRevoked(ctx context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.revocations[id]) > 0, nil
}

// FilterRevoked returns the sorted subset of ids that are revoked.
func (s *IdentityService) FilterRevoked(ctx context.Context, ids []string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for _, id := range ids {
		if len(s.revocations[id]) > 0 {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

// CreateEmailVerification appends a code record for the email.
func (s *IdentityService) CreateEmailVerification(ctx context.Context, verification services.EmailVerification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if verification.InsertedAt.IsZero() {
		verification.InsertedAt = s.clock.Now().UTC()
	}
	s.verifications[verification.Email] = append(s.verifications[verification.Email], verification)
	return nil
}

// GetEmailVerifications returns every record for the email, newest
// last.
func (s *IdentityService) GetEmailVerifications(ctx context.Context, email string) ([]services.EmailVerification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	records := s.verifications[email]
	out := make([]services.EmailVerification, len(records))
	copy(out, records)
	return out, nil
}

// CreateAccountWithDelegations writes both delegations and the account
// row atomically under the store lock. Conflicts are checked before
// anything is written so a losing call persists nothing.
func (s *IdentityService) CreateAccountWithDelegations(ctx context.Context, account services.Account, root, agent *ucan.Token) (*services.Account, error) {
	type checked struct {
		id      string
		token   *ucan.Token
		encoded []byte
	}
	var tokens []checked
	for _, token := range []*ucan.Token{root, agent} {
		if err := services.CheckToken(token, s.clock); err != nil {
			return nil, trace.Wrap(err)
		}
		id, err := token.ID()
		if err != nil {
			return nil, trace.Wrap(err)
		}
		encoded, err := token.Encode()
		if err != nil {
			return nil, trace.Wrap(err)
		}
		tokens = append(tokens, checked{id: id, token: token, encoded: encoded})
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	created, err := s.createAccountLocked(account)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	for _, c := range tokens {
		s.upsertTokenLocked(c.id, c.token, c.encoded)
	}
	return created, nil
}
