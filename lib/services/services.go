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

// Package services defines the persistent types of the account and
// capability service and the storage interfaces over them. Concrete
// implementations live in services/local (in-memory) and
// services/pgsql (Postgres).
package services

import (
	"context"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/fission-codes/fission/lib/ucan"
)

// Account is a registered account keyed by its root DID.
type Account struct {
	// ID is the row id.
	ID string `json:"id"`
	// DID is the account's root did:key identifier.
	DID string `json:"did"`
	// Username is the unique, punycode-validated label published over
	// DNS, optional.
	Username string `json:"username,omitempty"`
	// Email is the verified contact address, optional.
	Email string `json:"email,omitempty"`
	// VolumeID points at the account volume row, optional.
	VolumeID string `json:"volume_id,omitempty"`
	// InsertedAt is when the row was created.
	InsertedAt time.Time `json:"inserted_at"`
	// UpdatedAt is when the row last changed.
	UpdatedAt time.Time `json:"updated_at"`
}

// Volume is a mutable content handle: the row id is stable while the
// CID it points at changes over time.
type Volume struct {
	ID         string    `json:"id"`
	CID        string    `json:"cid"`
	InsertedAt time.Time `json:"inserted_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// EmailVerification records a dispatched verification code. Only the
// hash of the code is kept. Multiple outstanding records per email are
// permitted; any unexpired one redeems.
type EmailVerification struct {
	Email      string
	CodeHash   []byte
	InsertedAt time.Time
}

// Revocation invalidates a stored token after issue. The signature
// covers the string "REVOKE:<token id>" and verifies against IssuerDID.
type Revocation struct {
	// TokenID is the canonical id of the revoked token.
	TokenID string `json:"revoke"`
	// IssuerDID is the DID claiming authority to revoke.
	IssuerDID string `json:"iss"`
	// Signature covers RevocationPayload(TokenID).
	Signature []byte `json:"challenge"`
}

// RevocationPayload is the exact byte string a revocation signature
// covers.
func RevocationPayload(tokenID string) []byte {
	return []byte("REVOKE:" + tokenID)
}

// Accounts manages account and volume rows.
type Accounts interface {
	// CreateAccount writes a new account row. Username collisions
	// return AlreadyExists.
	CreateAccount(ctx context.Context, account Account) (*Account, error)
	// GetAccount fetches an account by DID.
	GetAccount(ctx context.Context, did string) (*Account, error)
	// GetAccountByUsername fetches an account by its unique username.
	GetAccountByUsername(ctx context.Context, username string) (*Account, error)
	// UpdateAccount rewrites mutable account fields. Username
	// collisions return AlreadyExists.
	UpdateAccount(ctx context.Context, account Account) (*Account, error)
	// DeleteAccount removes the account row.
	DeleteAccount(ctx context.Context, did string) error
	// UpsertVolume creates the volume row or repoints its CID.
	UpsertVolume(ctx context.Context, volume Volume) (*Volume, error)
	// GetVolume fetches a volume row by id.
	GetVolume(ctx context.Context, id string) (*Volume, error)
}

// Tokens is the capability token index.
type Tokens interface {
	// UpsertToken writes the token and one row per capability triple,
	// atomically, idempotent by canonical id. Tokens failing signature
	// verification or already expired are rejected.
	UpsertToken(ctx context.Context, token *ucan.Token) error
	// GetToken fetches a stored token by canonical id.
	GetToken(ctx context.Context, id string) (*ucan.Token, error)
	// AudienceClosure returns every stored token reachable by walking
	// issuer-to-audience edges backwards from the given DID, restricted
	// to the resources of the seed set, keyed by canonical id.
	AudienceClosure(ctx context.Context, did string) (map[string]*ucan.Token, error)
}

// Revocations is the revocation overlay consulted on every read.
type Revocations interface {
	// UpsertRevocation records a revocation, idempotent by
	// (token id, issuer).
	UpsertRevocation(ctx context.Context, revocation Revocation) error
	// IsRevoked reports whether any revocation exists for the id.
	IsRevoked(ctx context.Context, id string) (bool, error)
	// FilterRevoked returns the subset of ids that are revoked.
	FilterRevoked(ctx context.Context, ids []string) ([]string, error)
}

// EmailVerifications stores dispatched verification codes. Records are
// append-only; expiry is applied at read time by the account engine.
type EmailVerifications interface {
	CreateEmailVerification(ctx context.Context, verification EmailVerification) error
	GetEmailVerifications(ctx context.Context, email string) ([]EmailVerification, error)
}

// Identity aggregates all stores plus the transactional entry point of
// the account creation protocol.
type Identity interface {
	Accounts
	Tokens
	Revocations
	EmailVerifications

	// CreateAccountWithDelegations writes the root delegation, the
	// agent delegation and the account row in one transaction. A
	// username collision loses with AlreadyExists and persists nothing.
	CreateAccountWithDelegations(ctx context.Context, account Account, root, agent *ucan.Token) (*Account, error)

	// Close releases the underlying pool or maps.
	Close() error
}

// CheckToken gates every insert: verified signature, at least one
// capability and a non-past expiry.
func CheckToken(token *ucan.Token, clock clockwork.Clock) error {
	if len(token.Capabilities) == 0 {
		return trace.BadParameter("token asserts no capabilities")
	}
	if err := token.VerifySignature(); err != nil {
		return trace.Wrap(err)
	}
	if !token.Expires.IsZero() && token.Expires.Before(clock.Now()) {
		return trace.BadParameter("token expired at %v", token.Expires)
	}
	return nil
}
