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

// Package pgsql implements the identity stores on PostgreSQL through a
// bounded pgx connection pool. Writes that must be atomic (token plus
// capability rows, the account creation protocol) run in a single
// transaction; unique violations surface as AlreadyExists.
package pgsql

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"

	"github.com/fission-codes/fission"
	"github.com/fission-codes/fission/lib/services"
	"github.com/fission-codes/fission/lib/ucan"
	logutils "github.com/fission-codes/fission/lib/utils/log"
)

var log = logutils.NewPackageLogger(fission.ComponentStore)

// Config holds what the store needs to connect.
type Config struct {
	// URL is the postgres connection string.
	URL string
	// Clock stamps inserted_at/updated_at.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config.
func (c *Config) CheckAndSetDefaults() error {
	if c.URL == "" {
		return trace.BadParameter("database URL is missing")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// IdentityService implements services.Identity on PostgreSQL.
type IdentityService struct {
	pool  *pgxpool.Pool
	clock clockwork.Clock
}

// New connects the pool and applies the schema migration.
func New(ctx context.Context, config Config) (*IdentityService, error) {
	if err := config.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	pool, err := pgxpool.New(ctx, config.URL)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, trace.ConnectionProblem(err, "database is unreachable")
	}
	s := &IdentityService{pool: pool, clock: config.Clock}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, trace.Wrap(err)
	}
	log.InfoContext(ctx, "connected to postgres")
	return s, nil
}

// Close releases the pool.
func (s *IdentityService) Close() error {
	s.pool.Close()
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS volumes (
	id UUID PRIMARY KEY,
	cid TEXT NOT NULL,
	inserted_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS accounts (
	id UUID PRIMARY KEY,
	did TEXT NOT NULL UNIQUE,
	username TEXT UNIQUE,
	email TEXT,
	volume_id UUID REFERENCES volumes (id),
	inserted_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS ucans (
	cid TEXT PRIMARY KEY,
	issuer TEXT NOT NULL,
	audience TEXT NOT NULL,
	not_before TIMESTAMPTZ,
	expires_at TIMESTAMPTZ,
	encoded BYTEA NOT NULL,
	inserted_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS ucans_audience_idx ON ucans (audience);
CREATE INDEX IF NOT EXISTS ucans_issuer_idx ON ucans (issuer);
CREATE TABLE IF NOT EXISTS capabilities (
	id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
	ucan_cid TEXT NOT NULL REFERENCES ucans (cid) ON DELETE CASCADE,
	resource TEXT NOT NULL,
	ability TEXT NOT NULL,
	caveats JSONB NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS capabilities_resource_idx ON capabilities (resource);
CREATE TABLE IF NOT EXISTS revocations (
	ucan_cid TEXT NOT NULL,
	issuer TEXT NOT NULL,
	signature BYTEA NOT NULL,
	inserted_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (ucan_cid, issuer)
);
CREATE TABLE IF NOT EXISTS email_verifications (
	id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
	email TEXT NOT NULL,
	code_hash BYTEA NOT NULL,
	inserted_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS email_verifications_email_idx ON email_verifications (email);
`

func (s *IdentityService) migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return trace.Wrap(err, "applying schema")
	}
	return nil
}

// convert maps pg errors onto the trace taxonomy.
func convert(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return trace.NotFound("not found")
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
		return trace.AlreadyExists("already exists: %v", pgErr.ConstraintName)
	}
	return trace.Wrap(err)
}

func nullable(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func nullableStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func fromNullableStr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// CreateAccount writes a new account row.
func (s *IdentityService) CreateAccount(ctx context.Context, account services.Account) (*services.Account, error) {
	if account.ID == "" {
		account.ID = uuid.NewString()
	}
	now := s.clock.Now().UTC()
	account.InsertedAt = now
	account.UpdatedAt = now
	_, err := s.pool.Exec(ctx, `
		INSERT INTO accounts (id, did, username, email, volume_id, inserted_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		account.ID, account.DID, nullableStr(account.Username), nullableStr(account.Email),
		nullableStr(account.VolumeID), account.InsertedAt, account.UpdatedAt)
	if err != nil {
		return nil, convert(err)
	}
	return &account, nil
}

const selectAccount = `
	SELECT id, did, username, email, volume_id, inserted_at, updated_at
	FROM accounts`

func scanAccount(row pgx.Row) (*services.Account, error) {
	var account services.Account
	var username, email, volumeID *string
	if err := row.Scan(&account.ID, &account.DID, &username, &email, &volumeID,
		&account.InsertedAt, &account.UpdatedAt); err != nil {
		return nil, convert(err)
	}
	account.Username = fromNullableStr(username)
	account.Email = fromNullableStr(email)
	account.VolumeID = fromNullableStr(volumeID)
	return &account, nil
}

// GetAccount fetches an account by DID.
func (s *IdentityService) GetAccount(ctx context.Context, did string) (*services.Account, error) {
	account, err := scanAccount(s.pool.QueryRow(ctx, selectAccount+` WHERE did = $1`, did))
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("account %v not found", did)
		}
		return nil, trace.Wrap(err)
	}
	return account, nil
}

// GetAccountByUsername fetches an account by its unique username.
func (s *IdentityService) GetAccountByUsername(ctx context.Context, username string) (*services.Account, error) {
	account, err := scanAccount(s.pool.QueryRow(ctx, selectAccount+` WHERE username = $1`, username))
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("account %q not found", username)
		}
		return nil, trace.Wrap(err)
	}
	return account, nil
}

// UpdateAccount rewrites mutable account fields.
func (s *IdentityService) UpdateAccount(ctx context.Context, account services.Account) (*services.Account, error) {
	account.UpdatedAt = s.clock.Now().UTC()
	tag, err := s.pool.Exec(ctx, `
		UPDATE accounts SET username = $2, email = $3, volume_id = $4, updated_at = $5
		WHERE did = $1`,
		account.DID, nullableStr(account.Username), nullableStr(account.Email),
		nullableStr(account.VolumeID), account.UpdatedAt)
	if err != nil {
		return nil, convert(err)
	}
	if tag.RowsAffected() == 0 {
		return nil, trace.NotFound("account %v not found", account.DID)
	}
	return s.GetAccount(ctx, account.DID)
}

// DeleteAccount removes the account row and its volume row.
func (s *IdentityService) DeleteAccount(ctx context.Context, did string) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var volumeID *string
		err := tx.QueryRow(ctx, `DELETE FROM accounts WHERE did = $1 RETURNING volume_id`, did).Scan(&volumeID)
		if err != nil {
			return convert(err)
		}
		if volumeID != nil {
			if _, err := tx.Exec(ctx, `DELETE FROM volumes WHERE id = $1`, *volumeID); err != nil {
				return convert(err)
			}
		}
		return nil
	})
	if err != nil {
		if trace.IsNotFound(err) {
			return trace.NotFound("account %v not found", did)
		}
		return trace.Wrap(err)
	}
	return nil
}

// UpsertVolume creates the volume row or repoints its CID in place.
func (s *IdentityService) UpsertVolume(ctx context.Context, volume services.Volume) (*services.Volume, error) {
	now := s.clock.Now().UTC()
	if volume.ID == "" {
		volume.ID = uuid.NewString()
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO volumes (id, cid, inserted_at, updated_at)
		VALUES ($1, $2, $3, $3)
		ON CONFLICT (id) DO UPDATE SET cid = EXCLUDED.cid, updated_at = EXCLUDED.updated_at
		RETURNING inserted_at, updated_at`,
		volume.ID, volume.CID, now).Scan(&volume.InsertedAt, &volume.UpdatedAt)
	if err != nil {
		return nil, convert(err)
	}
	return &volume, nil
}

// GetVolume fetches a volume row by id.
func (s *IdentityService) GetVolume(ctx context.Context, id string) (*services.Volume, error) {
	var volume services.Volume
	err := s.pool.QueryRow(ctx, `
		SELECT id, cid, inserted_at, updated_at FROM volumes WHERE id = $1`, id).
		Scan(&volume.ID, &volume.CID, &volume.InsertedAt, &volume.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, trace.NotFound("volume %v not found", id)
		}
		return nil, convert(err)
	}
	return &volume, nil
}

// UpsertToken indexes a token, idempotent by canonical id. The token
// row and its capability rows land in one transaction.
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
	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return s.upsertTokenTx(ctx, tx, id, token, encoded)
	})
	return trace.Wrap(err)
}

func (s *IdentityService) upsertTokenTx(ctx context.Context, tx pgx.Tx, id string, token *ucan.Token, encoded []byte) error {
	tag, err := tx.Exec(ctx, `
		INSERT INTO ucans (cid, issuer, audience, not_before, expires_at, encoded, inserted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (cid) DO NOTHING`,
		id, token.Issuer, token.Audience, nullable(token.NotBefore), nullable(token.Expires),
		encoded, s.clock.Now().UTC())
	if err != nil {
		return convert(err)
	}
	if tag.RowsAffected() == 0 {
		// Already indexed; idempotence means no duplicate capability
		// rows either.
		return nil
	}
	for _, c := range token.Capabilities {
		caveats := c.Caveats
		if len(caveats) == 0 {
			caveats = []byte("{}")
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO capabilities (ucan_cid, resource, ability, caveats)
			VALUES ($1, $2, $3, $4)`,
			id, c.Resource.String(), string(c.Ability), caveats); err != nil {
			return convert(err)
		}
	}
	return nil
}

// GetToken fetches a stored token by canonical id, decoded from its
// stored encoding.
func (s *IdentityService) GetToken(ctx context.Context, id string) (*ucan.Token, error) {
	var encoded []byte
	err := s.pool.QueryRow(ctx, `SELECT encoded FROM ucans WHERE cid = $1`, id).Scan(&encoded)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, trace.NotFound("token %v not found", id)
		}
		return nil, convert(err)
	}
	token, err := ucan.Decode(encoded)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return token, nil
}

// AudienceClosure walks issuer-to-audience edges backwards from the
// given DID with the resource mask frozen from the seed set. Each
// iteration is one indexed query over the current frontier.
func (s *IdentityService) AudienceClosure(ctx context.Context, did string) (map[string]*ucan.Token, error) {
	visited := make(map[string]*ucan.Token)

	// Seed pass: tokens addressed directly to the DID, plus their
	// resource set which freezes the mask.
	rows, err := s.pool.Query(ctx, `
		SELECT u.cid, u.issuer, u.encoded, c.resource
		FROM ucans u JOIN capabilities c ON c.ucan_cid = u.cid
		WHERE u.audience = $1`, did)
	if err != nil {
		return nil, convert(err)
	}
	mask := make(map[string]struct{})
	frontier := make(map[string]struct{})
	seed := make(map[string][]byte)
	for rows.Next() {
		var id, issuer, resource string
		var encoded []byte
		if err := rows.Scan(&id, &issuer, &encoded, &resource); err != nil {
			rows.Close()
			return nil, convert(err)
		}
		seed[id] = encoded
		mask[resource] = struct{}{}
		frontier[issuer] = struct{}{}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, convert(err)
	}
	for id, encoded := range seed {
		token, err := ucan.Decode(encoded)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		visited[id] = token
	}

	maskList := setToSlice(mask)
	for len(frontier) > 0 {
		rows, err := s.pool.Query(ctx, `
			SELECT DISTINCT u.cid, u.issuer, u.encoded
			FROM ucans u JOIN capabilities c ON c.ucan_cid = u.cid
			WHERE u.audience = ANY($1) AND c.resource = ANY($2) AND NOT (u.cid = ANY($3))`,
			setToSlice(frontier), maskList, keys(visited))
		if err != nil {
			return nil, convert(err)
		}
		next := make(map[string]struct{})
		found := make(map[string][]byte)
		for rows.Next() {
			var id, issuer string
			var encoded []byte
			if err := rows.Scan(&id, &issuer, &encoded); err != nil {
				rows.Close()
				return nil, convert(err)
			}
			found[id] = encoded
			next[issuer] = struct{}{}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, convert(err)
		}
		if len(found) == 0 {
			break
		}
		for id, encoded := range found {
			token, err := ucan.Decode(encoded)
			if err != nil {
				return nil, trace.Wrap(err)
			}
			visited[id] = token
		}
		frontier = next
	}
	return visited, nil
}

func setToSlice(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}

func keys(m map[string]*ucan.Token) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

// UpsertRevocation records a revocation, idempotent by (id, issuer).
func (s *IdentityService) UpsertRevocation(ctx context.Context, revocation services.Revocation) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO revocations (ucan_cid, issuer, signature, inserted_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (ucan_cid, issuer) DO NOTHING`,
		revocation.TokenID, revocation.IssuerDID, revocation.Signature, s.clock.Now().UTC())
	return convert(err)
}

// IsRevoked reports whether any revocation exists for the id.
func (s *IdentityService) IsRevoked(ctx context.Context, id string) (bool, error) {
	var revoked bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM revocations WHERE ucan_cid = $1)`, id).Scan(&revoked)
	if err != nil {
		return false, convert(err)
	}
	return revoked, nil
}

// FilterRevoked returns the sorted subset of ids that are revoked.
func (s *IdentityService) FilterRevoked(ctx context.Context, ids []string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT ucan_cid FROM revocations WHERE ucan_cid = ANY($1) ORDER BY ucan_cid`, ids)
	if err != nil {
		return nil, convert(err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, convert(err)
		}
		out = append(out, id)
	}
	return out, trace.Wrap(rows.Err())
}

// CreateEmailVerification appends a code record for the email.
func (s *IdentityService) CreateEmailVerification(ctx context.Context, verification services.EmailVerification) error {
	if verification.InsertedAt.IsZero() {
		verification.InsertedAt = s.clock.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO email_verifications (email, code_hash, inserted_at)
		VALUES ($1, $2, $3)`,
		verification.Email, verification.CodeHash, verification.InsertedAt)
	return convert(err)
}

// GetEmailVerifications returns every record for the email, oldest
// first.
func (s *IdentityService) GetEmailVerifications(ctx context.Context, email string) ([]services.EmailVerification, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT email, code_hash, inserted_at FROM email_verifications
		WHERE email = $1 ORDER BY inserted_at`, email)
	if err != nil {
		return nil, convert(err)
	}
	defer rows.Close()
	var out []services.EmailVerification
	for rows.Next() {
		var v services.EmailVerification
		if err := rows.Scan(&v.Email, &v.CodeHash, &v.InsertedAt); err != nil {
			return nil, convert(err)
		}
		out = append(out, v)
	}
	return out, trace.Wrap(rows.Err())
}

// CreateAccountWithDelegations writes both delegations and the account
// row in one transaction; a username collision rolls everything back.
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

	if account.ID == "" {
		account.ID = uuid.NewString()
	}
	now := s.clock.Now().UTC()
	account.InsertedAt = now
	account.UpdatedAt = now

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for _, c := range tokens {
			if err := s.upsertTokenTx(ctx, tx, c.id, c.token, c.encoded); err != nil {
				return trace.Wrap(err)
			}
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO accounts (id, did, username, email, volume_id, inserted_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			account.ID, account.DID, nullableStr(account.Username), nullableStr(account.Email),
			nullableStr(account.VolumeID), account.InsertedAt, account.UpdatedAt)
		return convert(err)
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &account, nil
}
