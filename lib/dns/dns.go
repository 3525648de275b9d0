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

// Package dns publishes account DIDs over the DNS: an authoritative
// responder for the service origin answering TXT queries for
// _did.<username>.<origin>, with everything outside the zone forwarded
// upstream.
package dns

import (
	"context"
	"strings"
	"sync"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/miekg/dns"

	"github.com/fission-codes/fission"
	"github.com/fission-codes/fission/lib/defaults"
	"github.com/fission-codes/fission/lib/services"
	logutils "github.com/fission-codes/fission/lib/utils/log"
)

var log = logutils.NewPackageLogger(fission.ComponentDNS)

// didLabel prefixes every DID-publishing name in the zone.
const didLabel = "_did."

// ServerConfig configures the responder.
type ServerConfig struct {
	// Origin is the zone apex the responder is authoritative for, e.g.
	// "fission.name".
	Origin string
	// ServerDID is published at _did.<origin>.
	ServerDID string
	// Accounts resolves usernames to account DIDs.
	Accounts services.Accounts
	// Addr is the UDP and TCP listen address.
	Addr string
	// Forwarder is the upstream resolver for names outside the zone.
	Forwarder string
	// Clock stamps the zone serial.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config.
func (c *ServerConfig) CheckAndSetDefaults() error {
	if c.Origin == "" {
		return trace.BadParameter("origin is missing")
	}
	if c.Accounts == nil {
		return trace.BadParameter("accounts store is missing")
	}
	if c.Forwarder == "" {
		c.Forwarder = defaults.DNSForwarder
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	c.Origin = strings.ToLower(strings.TrimSuffix(c.Origin, "."))
	return nil
}

// Server answers DNS queries for the service zone over UDP and TCP.
// The same resolution core backs the DoH handler.
type Server struct {
	ServerConfig
	zone string // fqdn form of Origin

	mu  sync.Mutex
	udp *dns.Server
	tcp *dns.Server
}

// NewServer returns a responder for the configured zone.
func NewServer(config ServerConfig) (*Server, error) {
	if err := config.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Server{
		ServerConfig: config,
		zone:         dns.Fqdn(config.Origin),
	}, nil
}

// ListenAndServe serves UDP and TCP until Shutdown. It blocks until
// both listeners stop, returning the first listener error.
func (s *Server) ListenAndServe() error {
	s.mu.Lock()
	s.udp = &dns.Server{Addr: s.Addr, Net: "udp", Handler: s}
	s.tcp = &dns.Server{Addr: s.Addr, Net: "tcp", Handler: s}
	s.mu.Unlock()

	log.Info("serving zone", "origin", s.Origin, "addr", s.Addr)
	errCh := make(chan error, 2)
	go func() { errCh <- s.udp.ListenAndServe() }()
	go func() { errCh <- s.tcp.ListenAndServe() }()
	err := <-errCh
	<-errCh
	return trace.Wrap(err)
}

// Shutdown stops both listeners.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	udp, tcp := s.udp, s.tcp
	s.mu.Unlock()
	var errs []error
	if udp != nil {
		errs = append(errs, udp.ShutdownContext(ctx))
	}
	if tcp != nil {
		errs = append(errs, tcp.ShutdownContext(ctx))
	}
	return trace.NewAggregate(errs...)
}

// ServeDNS implements dns.Handler.
func (s *Server) ServeDNS(w dns.ResponseWriter, r *dns.Msg) {
	ctx, cancel := context.WithTimeout(context.Background(), defaults.DNSQueryTimeout)
	defer cancel()
	if err := w.WriteMsg(s.Resolve(ctx, r)); err != nil {
		log.WarnContext(ctx, "failed to write response", "error", err)
	}
}

// Resolve answers a query: authoritatively inside the zone, forwarded
// outside it.
func (s *Server) Resolve(ctx context.Context, r *dns.Msg) *dns.Msg {
	if len(r.Question) != 1 {
		m := new(dns.Msg)
		m.SetRcode(r, dns.RcodeFormatError)
		return m
	}
	q := r.Question[0]
	name := strings.ToLower(q.Name)
	if !dns.IsSubDomain(s.zone, name) {
		return s.forward(ctx, r)
	}

	m := new(dns.Msg)
	m.SetReply(r)
	m.Authoritative = true

	switch {
	case name == s.zone && q.Qtype == dns.TypeSOA:
		m.Answer = append(m.Answer, s.soa())
	case q.Qtype == dns.TypeTXT && strings.HasPrefix(name, didLabel):
		did, err := s.lookupDID(ctx, name)
		if err != nil {
			// A store failure answers like a miss: resolvers retry on
			// their negative TTL instead of hammering a broken backend.
			if !trace.IsNotFound(err) {
				log.WarnContext(ctx, "lookup failed", "name", name, "error", err)
			}
			m.SetRcode(r, dns.RcodeNameError)
			m.Ns = append(m.Ns, s.soa())
			return m
		}
		m.Answer = append(m.Answer, &dns.TXT{
			Hdr: dns.RR_Header{
				Name:   name,
				Rrtype: dns.TypeTXT,
				Class:  dns.ClassINET,
				Ttl:    defaults.DNSRecordTTL,
			},
			Txt: []string{did},
		})
	default:
		// Name is in the zone but carries no data of this type.
		m.Ns = append(m.Ns, s.soa())
	}
	return m
}

// lookupDID maps _did.<origin> to the service DID and
// _did.<username>.<origin> to the account DID.
func (s *Server) lookupDID(ctx context.Context, name string) (string, error) {
	if name == didLabel+s.zone {
		if s.ServerDID == "" {
			return "", trace.NotFound("no service DID published")
		}
		return s.ServerDID, nil
	}
	rest := strings.TrimSuffix(name, "."+s.zone)
	username := strings.TrimPrefix(rest, didLabel)
	if username == rest || strings.Contains(username, ".") {
		return "", trace.NotFound("no DID published at %v", name)
	}
	account, err := s.Accounts.GetAccountByUsername(ctx, username)
	if err != nil {
		return "", trace.Wrap(err)
	}
	return account.DID, nil
}

// soa is the zone's start of authority record, also attached to
// negative answers.
func (s *Server) soa() dns.RR {
	return &dns.SOA{
		Hdr: dns.RR_Header{
			Name:   s.zone,
			Rrtype: dns.TypeSOA,
			Class:  dns.ClassINET,
			Ttl:    defaults.DNSRecordTTL,
		},
		Ns:      "ns1." + s.zone,
		Mbox:    "hostmaster." + s.zone,
		Serial:  uint32(s.Clock.Now().Unix()),
		Refresh: 3600,
		Retry:   600,
		Expire:  86400,
		Minttl:  defaults.DNSRecordTTL,
	}
}

// forward relays a query outside the zone to the upstream resolver.
func (s *Server) forward(ctx context.Context, r *dns.Msg) *dns.Msg {
	client := &dns.Client{Timeout: defaults.DNSQueryTimeout}
	resp, _, err := client.ExchangeContext(ctx, r, s.Forwarder)
	if err != nil {
		log.WarnContext(ctx, "forwarding failed", "upstream", s.Forwarder, "error", err)
		m := new(dns.Msg)
		m.SetRcode(r, dns.RcodeServerFailure)
		return m
	}
	return resp
}
