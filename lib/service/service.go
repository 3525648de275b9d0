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

// Package service assembles the fission server process: store, key,
// account engine, HTTP API, DNS responder and diagnostics listener.
package service

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/fission-codes/fission"
	"github.com/fission-codes/fission/lib/auth"
	"github.com/fission-codes/fission/lib/config"
	"github.com/fission-codes/fission/lib/defaults"
	"github.com/fission-codes/fission/lib/didkey"
	dnssrv "github.com/fission-codes/fission/lib/dns"
	"github.com/fission-codes/fission/lib/email"
	"github.com/fission-codes/fission/lib/ipfs"
	"github.com/fission-codes/fission/lib/relay"
	"github.com/fission-codes/fission/lib/services"
	"github.com/fission-codes/fission/lib/services/local"
	"github.com/fission-codes/fission/lib/services/pgsql"
	logutils "github.com/fission-codes/fission/lib/utils/log"
	"github.com/fission-codes/fission/lib/web"
)

var log = logutils.NewPackageLogger(fission.ComponentServer)

// Config is the runtime configuration of the process.
type Config struct {
	// ListenAddr is the HTTP API listen address.
	ListenAddr string
	// DiagAddr is the diagnostics (metrics) listen address.
	DiagAddr string
	// KeyFile is the path of the PEM service key.
	KeyFile string
	// GenKey generates and saves a key when KeyFile does not exist.
	GenKey bool
	// Origin is the DNS zone accounts are published under.
	Origin string
	// DatabaseURL selects Postgres; empty selects the in-memory store.
	DatabaseURL string
	// DNSAddr is the DNS listen address.
	DNSAddr string
	// DNSForwarder is the upstream resolver.
	DNSForwarder string
	// Mailgun configures production email; zero value selects the
	// websocket relay sender.
	Mailgun email.MailgunConfig
	// IPFSAddr is the IPFS HTTP API address.
	IPFSAddr string
	// Debug enables debug logging.
	Debug bool
	// Clock is the time source.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config.
func (c *Config) CheckAndSetDefaults() error {
	if c.Origin == "" {
		return trace.BadParameter("origin is missing: set [server] origin")
	}
	if c.KeyFile == "" {
		return trace.BadParameter("key file path is missing: set [server] key_file")
	}
	if c.ListenAddr == "" {
		c.ListenAddr = fmt.Sprintf("127.0.0.1:%d", defaults.HTTPListenPort)
	}
	if c.DiagAddr == "" {
		c.DiagAddr = fmt.Sprintf("127.0.0.1:%d", defaults.DiagListenPort)
	}
	if c.DNSAddr == "" {
		c.DNSAddr = fmt.Sprintf("127.0.0.1:%d", defaults.DNSListenPort)
	}
	if c.DNSForwarder == "" {
		c.DNSForwarder = defaults.DNSForwarder
	}
	if c.IPFSAddr == "" {
		c.IPFSAddr = defaults.IPFSAddr
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// FromFileConfig converts the parsed file and environment
// configuration into a runtime Config.
func FromFileConfig(fc *config.FileConfig) Config {
	return Config{
		ListenAddr:   fc.Server.ListenAddr,
		DiagAddr:     fc.Server.DiagAddr,
		KeyFile:      fc.Server.KeyFile,
		Origin:       fc.Server.Origin,
		DatabaseURL:  fc.Database.URL,
		DNSAddr:      fc.DNS.ListenAddr,
		DNSForwarder: fc.DNS.Forwarder,
		Mailgun: email.MailgunConfig{
			Domain: fc.Email.Domain,
			APIKey: fc.Email.APIKey,
			From:   fc.Email.Sender,
		},
		IPFSAddr: fc.IPFS.Addr,
		Debug:    fc.Server.Debug,
	}
}

// Process is a fully wired server.
type Process struct {
	Config
	identity services.Identity
	engine   *auth.Server
	hub      *relay.Hub
	webSrv   *http.Server
	diagSrv  *http.Server
	dnsSrv   *dnssrv.Server
}

// NewProcess wires a process from the config. Fatal misconfiguration
// (missing key without GenKey, unreachable database) fails here, not
// at serve time.
func NewProcess(ctx context.Context, cfg Config) (*Process, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	logutils.Init(cfg.Debug)

	key, err := loadOrGenerateKey(cfg.KeyFile, cfg.GenKey)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	var identity services.Identity
	if cfg.DatabaseURL != "" {
		identity, err = pgsql.New(ctx, pgsql.Config{URL: cfg.DatabaseURL, Clock: cfg.Clock})
		if err != nil {
			return nil, trace.Wrap(err, "connecting to database")
		}
	} else {
		log.Warn("no database configured, using the in-memory store")
		identity = local.NewIdentityService(cfg.Clock)
	}

	hub := relay.NewHub()
	var emailer email.Sender
	if cfg.Mailgun.APIKey != "" {
		emailer, err = email.NewMailgunSender(cfg.Mailgun)
		if err != nil {
			return nil, trace.Wrap(err)
		}
	} else {
		log.Warn("no mailgun key configured, verification codes go to the relay")
		emailer = email.NewRelaySender(hub)
	}

	blocks, err := ipfs.NewClient(ipfs.Config{Addr: cfg.IPFSAddr})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	engine, err := auth.NewServer(auth.ServerConfig{
		Identity: identity,
		Key:      key,
		Emailer:  emailer,
		Blocks:   blocks,
		Clock:    cfg.Clock,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	dnsServer, err := dnssrv.NewServer(dnssrv.ServerConfig{
		Origin:    cfg.Origin,
		ServerDID: engine.DID(),
		Accounts:  identity,
		Addr:      cfg.DNSAddr,
		Forwarder: cfg.DNSForwarder,
		Clock:     cfg.Clock,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	handler, err := web.NewHandler(web.Config{
		Auth:  engine,
		Hub:   hub,
		DoH:   &dnssrv.DoHHandler{Resolver: dnsServer},
		Clock: cfg.Clock,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	diagMux := http.NewServeMux()
	diagMux.Handle("/metrics", promhttp.Handler())
	diagMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, "ok")
	})

	return &Process{
		Config:   cfg,
		identity: identity,
		engine:   engine,
		hub:      hub,
		webSrv:   &http.Server{Addr: cfg.ListenAddr, Handler: handler},
		diagSrv:  &http.Server{Addr: cfg.DiagAddr, Handler: diagMux},
		dnsSrv:   dnsServer,
	}, nil
}

// Engine exposes the account engine, used by tests and tooling.
func (p *Process) Engine() *auth.Server {
	return p.engine
}

// Run serves until ctx is cancelled, then shuts everything down
// gracefully.
func (p *Process) Run(ctx context.Context) error {
	log.Info("starting fission server",
		"version", fission.Version,
		"did", p.engine.DID(),
		"listen", p.ListenAddr,
		"dns", p.DNSAddr,
		"origin", p.Origin)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := p.webSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return trace.Wrap(err, "api listener")
		}
		return nil
	})
	group.Go(func() error {
		if err := p.diagSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return trace.Wrap(err, "diagnostics listener")
		}
		return nil
	})
	group.Go(func() error {
		return trace.Wrap(p.dnsSrv.ListenAndServe(), "dns listener")
	})
	group.Go(func() error {
		<-groupCtx.Done()
		return p.shutdown()
	})
	return trace.Wrap(group.Wait())
}

func (p *Process) shutdown() error {
	log.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), defaults.ShutdownTimeout)
	defer cancel()
	var errs []error
	errs = append(errs, p.webSrv.Shutdown(ctx))
	errs = append(errs, p.diagSrv.Shutdown(ctx))
	errs = append(errs, p.dnsSrv.Shutdown(ctx))
	errs = append(errs, p.identity.Close())
	return trace.NewAggregate(errs...)
}

// loadOrGenerateKey reads the service key, generating it first when
// allowed.
func loadOrGenerateKey(path string, generate bool) (*didkey.Key, error) {
	key, err := didkey.Load(path)
	if err == nil {
		return key, nil
	}
	if !trace.IsNotFound(err) {
		return nil, trace.Wrap(err)
	}
	if !generate {
		return nil, trace.NotFound("no key at %v; rerun with --gen-key to create one", path)
	}
	key, err = didkey.New()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := key.Save(path); err != nil {
		return nil, trace.Wrap(err)
	}
	log.Info("generated a new service key", "path", path, "did", key.DID())
	return key, nil
}

// RunUntilSignal runs the process until SIGINT/SIGTERM.
func RunUntilSignal(ctx context.Context, cfg Config) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	process, err := NewProcess(ctx, cfg)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(process.Run(ctx))
}
