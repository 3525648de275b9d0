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

// Package auth implements the account and capability engine: the
// delegation resolver, the request authority extractor and the account
// lifecycle built on top of them.
package auth

import (
	"context"
	"regexp"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/fission-codes/fission"
	"github.com/fission-codes/fission/lib/defaults"
	"github.com/fission-codes/fission/lib/didkey"
	"github.com/fission-codes/fission/lib/email"
	"github.com/fission-codes/fission/lib/services"
	"github.com/fission-codes/fission/lib/ucan"
	logutils "github.com/fission-codes/fission/lib/utils/log"
)

var log = logutils.NewPackageLogger(fission.ComponentAuth)

// BlockPinner pins content by CID, implemented by the IPFS client.
type BlockPinner interface {
	Pin(ctx context.Context, cid string) error
}

// ServerConfig configures the engine.
type ServerConfig struct {
	// Identity is the aggregated persistent store.
	Identity services.Identity
	// Key is the service signing key.
	Key *didkey.Key
	// Emailer delivers verification codes.
	Emailer email.Sender
	// Blocks pins volume CIDs; optional.
	Blocks BlockPinner
	// Clock is the time source.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config.
func (c *ServerConfig) CheckAndSetDefaults() error {
	if c.Identity == nil {
		return trace.BadParameter("identity store is missing")
	}
	if c.Key == nil {
		return trace.BadParameter("service key is missing")
	}
	if c.Emailer == nil {
		return trace.BadParameter("email sender is missing")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Server is the account and capability engine. All methods are safe
// for concurrent use.
type Server struct {
	ServerConfig
}

// NewServer returns an engine over the given collaborators.
func NewServer(config ServerConfig) (*Server, error) {
	if err := config.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Server{ServerConfig: config}, nil
}

// DID returns the service DID clients delegate to.
func (s *Server) DID() string {
	return s.Key.DID()
}

// ParseAuthority materialises the bearer and witness headers of a
// request into an Authority.
func (s *Server) ParseAuthority(bearer, witnessHeader string) (*Authority, error) {
	authority, err := ParseAuthority(bearer, witnessHeader, s.DID(), s.Clock)
	return authority, trace.Wrap(err)
}

// require proves ability over subject from the presented tokens with
// the revocation overlay applied.
func (s *Server) require(ctx context.Context, authority *Authority, subject string, ability ucan.Ability) ([]*ucan.Token, error) {
	revokedIDs, err := s.Identity.FilterRevoked(ctx, authority.TokenIDs())
	if err != nil {
		return nil, trace.Wrap(err)
	}
	revoked := make(map[string]bool, len(revokedIDs))
	for _, id := range revokedIDs {
		revoked[id] = true
	}
	chain, err := authority.Require(subject, ability, revoked)
	return chain, trace.Wrap(err)
}

// codeRegexp is the shape of a verification code as submitted back.
var codeRegexp = regexp.MustCompile(`^[0-9]{6}$`)

// SendVerificationCode generates a fresh code for the address, records
// its hash and hands the code to the out of band channel.
func (s *Server) SendVerificationCode(ctx context.Context, address string) error {
	if err := services.ValidateEmail(address); err != nil {
		return trace.Wrap(err)
	}
	code, err := email.NewCode()
	if err != nil {
		return trace.Wrap(err)
	}
	err = s.Identity.CreateEmailVerification(ctx, services.EmailVerification{
		Email:      address,
		CodeHash:   email.HashCode(code),
		InsertedAt: s.Clock.Now().UTC(),
	})
	if err != nil {
		return trace.Wrap(err)
	}
	if err := s.Emailer.SendCode(ctx, address, code); err != nil {
		return trace.Wrap(err)
	}
	log.DebugContext(ctx, "dispatched verification code", "email", address)
	return nil
}

// checkVerificationCode accepts any unexpired code previously
// dispatched to the address.
func (s *Server) checkVerificationCode(ctx context.Context, address, code string) error {
	if !codeRegexp.MatchString(code) {
		return trace.BadParameter("malformed verification code")
	}
	records, err := s.Identity.GetEmailVerifications(ctx, address)
	if err != nil {
		return trace.Wrap(err)
	}
	now := s.Clock.Now()
	for _, record := range records {
		if now.Sub(record.InsertedAt) > defaults.VerificationCodeTTL {
			continue
		}
		if email.MatchCode(code, record.CodeHash) {
			return nil
		}
	}
	return trace.AccessDenied("invalid or expired verification code")
}

// CreateAccountRequest is the body of the account creation call.
type CreateAccountRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Code     string `json:"code"`
}

// AccountResponse pairs an account with freshly minted delegations.
type AccountResponse struct {
	Account *services.Account
	UCANs   []*ucan.Token
}

// CreateAccount runs the three-party creation protocol: the device
// proved account/create over itself and a valid emailed code; the
// service mints a fresh account key, the account key delegates full
// authority to the service, the service re-delegates to the device,
// and the account row plus both delegations land in one transaction.
// The account private key lives only for the duration of this call.
func (s *Server) CreateAccount(ctx context.Context, authority *Authority, req CreateAccountRequest) (*AccountResponse, error) {
	if err := services.ValidateUsername(req.Username); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := services.ValidateEmail(req.Email); err != nil {
		return nil, trace.Wrap(err)
	}
	device := authority.DeviceDID()
	if _, err := s.require(ctx, authority, device, ucan.AccountCreate); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := s.checkVerificationCode(ctx, req.Email, req.Code); err != nil {
		return nil, trace.Wrap(err)
	}

	accountKey, err := didkey.New()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	accountDID := accountKey.DID()

	root, err := ucan.NewBuilder().
		WithClock(s.Clock).
		ToAudience(s.DID()).
		ClaimCapability(ucan.OwnerCapabilities(accountDID)...).
		Sign(accountKey)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	rootID, err := root.ID()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	agent, err := ucan.NewBuilder().
		WithClock(s.Clock).
		ToAudience(device).
		ClaimCapability(ucan.OwnerCapabilities(accountDID)...).
		WitnessedBy(rootID).
		Sign(s.Key)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	account, err := s.Identity.CreateAccountWithDelegations(ctx, services.Account{
		DID:      accountDID,
		Username: req.Username,
		Email:    req.Email,
	}, root, agent)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	log.InfoContext(ctx, "created account", "username", account.Username, "did", account.DID)
	return &AccountResponse{Account: account, UCANs: []*ucan.Token{root, agent}}, nil
}

// LinkDeviceRequest is the body of the device linking call.
type LinkDeviceRequest struct {
	Username string `json:"username"`
	Code     string `json:"code"`
}

// LinkDevice logs a new device into an existing account: the device
// proved account/create over itself and an emailed code for the
// account address; the service re-delegates from the stored root.
func (s *Server) LinkDevice(ctx context.Context, authority *Authority, req LinkDeviceRequest) (*AccountResponse, error) {
	device := authority.DeviceDID()
	if _, err := s.require(ctx, authority, device, ucan.AccountCreate); err != nil {
		return nil, trace.Wrap(err)
	}
	account, err := s.Identity.GetAccountByUsername(ctx, req.Username)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if account.Email == "" {
		return nil, trace.AccessDenied("account %q has no verified email", req.Username)
	}
	if err := s.checkVerificationCode(ctx, account.Email, req.Code); err != nil {
		return nil, trace.Wrap(err)
	}

	root, rootID, err := s.rootDelegation(ctx, account.DID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	agent, err := ucan.NewBuilder().
		WithClock(s.Clock).
		ToAudience(device).
		ClaimCapability(ucan.OwnerCapabilities(account.DID)...).
		WitnessedBy(rootID).
		Sign(s.Key)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := s.Identity.UpsertToken(ctx, agent); err != nil {
		return nil, trace.Wrap(err)
	}
	log.InfoContext(ctx, "linked device", "username", account.Username, "device", device)
	return &AccountResponse{Account: account, UCANs: []*ucan.Token{root, agent}}, nil
}

// rootDelegation finds the stored root token of the account: issued by
// the account key, addressed to the service.
func (s *Server) rootDelegation(ctx context.Context, accountDID string) (*ucan.Token, string, error) {
	closure, err := s.Identity.AudienceClosure(ctx, s.DID())
	if err != nil {
		return nil, "", trace.Wrap(err)
	}
	for id, token := range closure {
		if token.Issuer == accountDID && token.Audience == s.DID() {
			return token, id, nil
		}
	}
	return nil, "", trace.NotFound("no root delegation stored for %v", accountDID)
}

// GetAccount returns account info to a holder of account/read.
func (s *Server) GetAccount(ctx context.Context, authority *Authority, did string) (*services.Account, error) {
	if _, err := s.require(ctx, authority, did, ucan.AccountRead); err != nil {
		return nil, trace.Wrap(err)
	}
	account, err := s.Identity.GetAccount(ctx, did)
	return account, trace.Wrap(err)
}

// RenameAccount changes the unique username of the account the
// presenter's capability points at.
func (s *Server) RenameAccount(ctx context.Context, authority *Authority, username string) (*services.Account, error) {
	if err := services.ValidateUsername(username); err != nil {
		return nil, trace.Wrap(err)
	}
	did, err := authority.SubjectDID()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if _, err := s.require(ctx, authority, did, ucan.AccountManage); err != nil {
		return nil, trace.Wrap(err)
	}
	account, err := s.Identity.GetAccount(ctx, did)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	account.Username = username
	updated, err := s.Identity.UpdateAccount(ctx, *account)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	log.InfoContext(ctx, "renamed account", "did", did, "username", username)
	return updated, nil
}

// DeleteAccount destroys the account the presenter's capability points
// at.
func (s *Server) DeleteAccount(ctx context.Context, authority *Authority) error {
	did, err := authority.SubjectDID()
	if err != nil {
		return trace.Wrap(err)
	}
	if _, err := s.require(ctx, authority, did, ucan.AccountDelete); err != nil {
		return trace.Wrap(err)
	}
	if err := s.Identity.DeleteAccount(ctx, did); err != nil {
		return trace.Wrap(err)
	}
	log.InfoContext(ctx, "deleted account", "did", did)
	return nil
}

// CapabilitiesResult is the audience closure of a device with the
// revocation overlay applied.
type CapabilitiesResult struct {
	// Tokens maps canonical ids to stored tokens.
	Tokens map[string]*ucan.Token
	// Revoked lists the subset of ids with a revocation on file.
	Revoked []string
}

// Capabilities returns every stored token addressed to the requesting
// device, directly or through a delegation chain. Presented witnesses
// are persisted first, so a fetch doubles as the upload point for
// delegations minted offline.
func (s *Server) Capabilities(ctx context.Context, authority *Authority) (*CapabilitiesResult, error) {
	device := authority.DeviceDID()
	if _, err := s.require(ctx, authority, device, ucan.CapabilityFetch); err != nil {
		return nil, trace.Wrap(err)
	}
	for id, witness := range authority.Witnesses {
		if err := s.Identity.UpsertToken(ctx, witness); err != nil {
			log.WarnContext(ctx, "failed to persist presented witness", "token", id, "error", err)
		}
	}
	closure, err := s.Identity.AudienceClosure(ctx, device)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	ids := make([]string, 0, len(closure))
	for id := range closure {
		ids = append(ids, id)
	}
	revoked, err := s.Identity.FilterRevoked(ctx, ids)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &CapabilitiesResult{Tokens: closure, Revoked: revoked}, nil
}

// GetVolume returns the volume of an account to a holder of
// account/read.
func (s *Server) GetVolume(ctx context.Context, authority *Authority, did string) (*services.Volume, error) {
	account, err := s.GetAccount(ctx, authority, did)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if account.VolumeID == "" {
		return nil, trace.NotFound("account %v has no volume", did)
	}
	volume, err := s.Identity.GetVolume(ctx, account.VolumeID)
	return volume, trace.Wrap(err)
}

// UpdateVolume repoints the account volume at a new CID, creating the
// volume row on first use and pinning the content if a block service
// is wired.
func (s *Server) UpdateVolume(ctx context.Context, authority *Authority, did, cid string) (*services.Volume, error) {
	if cid == "" {
		return nil, trace.BadParameter("volume CID is empty")
	}
	if _, err := s.require(ctx, authority, did, ucan.VolumeUpdate); err != nil {
		return nil, trace.Wrap(err)
	}
	account, err := s.Identity.GetAccount(ctx, did)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if s.Blocks != nil {
		if err := s.Blocks.Pin(ctx, cid); err != nil {
			return nil, trace.Wrap(err, "pinning volume content")
		}
	}
	volume, err := s.Identity.UpsertVolume(ctx, services.Volume{ID: account.VolumeID, CID: cid})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if account.VolumeID == "" {
		account.VolumeID = volume.ID
		if _, err := s.Identity.UpdateAccount(ctx, *account); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	return volume, nil
}
