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

// Package config reads the server configuration from a TOML file and
// applies environment variable overrides on top of it.
package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/gravitational/trace"
	"github.com/pelletier/go-toml"
)

// EnvPrefix prefixes every environment override. The rest of the name
// is the section and key upper-cased with "__" separating nesting, e.g.
// FISSION_SERVER_DATABASE__URL sets [database] url.
const EnvPrefix = "FISSION_SERVER_"

// FileConfig mirrors the TOML layout of the server configuration file.
type FileConfig struct {
	Server   Server   `toml:"server"`
	Database Database `toml:"database"`
	DNS      DNS      `toml:"dns"`
	Email    Email    `toml:"email"`
	IPFS     IPFS     `toml:"ipfs"`
}

// Server is the [server] section.
type Server struct {
	// ListenAddr is the HTTP API listen address.
	ListenAddr string `toml:"listen_addr"`
	// DiagAddr is the diagnostics (metrics) listen address.
	DiagAddr string `toml:"diag_addr"`
	// KeyFile is the path of the PEM service key.
	KeyFile string `toml:"key_file"`
	// Origin is the DNS zone accounts are published under.
	Origin string `toml:"origin"`
	// Debug enables debug logging.
	Debug bool `toml:"debug"`
}

// Database is the [database] section. An empty URL selects the
// in-memory store.
type Database struct {
	URL string `toml:"url"`
}

// DNS is the [dns] section.
type DNS struct {
	ListenAddr string `toml:"listen_addr"`
	Forwarder  string `toml:"forwarder"`
}

// Email is the [email] section. Without an API key, verification codes
// go out over the websocket relay instead of Mailgun.
type Email struct {
	Domain string `toml:"domain"`
	APIKey string `toml:"api_key"`
	Sender string `toml:"sender"`
}

// IPFS is the [ipfs] section.
type IPFS struct {
	Addr string `toml:"addr"`
}

// ReadConfigFile parses the TOML file at path. A missing path returns
// an empty config so that a pure-env setup works.
func ReadConfigFile(path string) (*FileConfig, error) {
	if path == "" {
		return &FileConfig{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	var fc FileConfig
	if err := toml.Unmarshal(data, &fc); err != nil {
		return nil, trace.BadParameter("failed parsing %v: %v", path, err)
	}
	return &fc, nil
}

// ApplyEnv overlays FISSION_SERVER_ environment variables onto the
// config. Unknown names are ignored.
func (fc *FileConfig) ApplyEnv() error {
	for _, entry := range os.Environ() {
		name, value, _ := strings.Cut(entry, "=")
		key, ok := strings.CutPrefix(name, EnvPrefix)
		if !ok {
			continue
		}
		if err := fc.applyOverride(key, value); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

func (fc *FileConfig) applyOverride(key, value string) error {
	switch key {
	case "LISTEN_ADDR":
		fc.Server.ListenAddr = value
	case "DIAG_ADDR":
		fc.Server.DiagAddr = value
	case "KEY_FILE":
		fc.Server.KeyFile = value
	case "ORIGIN":
		fc.Server.Origin = value
	case "DEBUG":
		debug, err := strconv.ParseBool(value)
		if err != nil {
			return trace.BadParameter("%v%v must be a boolean, got %q", EnvPrefix, key, value)
		}
		fc.Server.Debug = debug
	case "DATABASE__URL":
		fc.Database.URL = value
	case "DNS__LISTEN_ADDR":
		fc.DNS.ListenAddr = value
	case "DNS__FORWARDER":
		fc.DNS.Forwarder = value
	case "EMAIL__DOMAIN":
		fc.Email.Domain = value
	case "EMAIL__API_KEY":
		fc.Email.APIKey = value
	case "EMAIL__SENDER":
		fc.Email.Sender = value
	case "IPFS__ADDR":
		fc.IPFS.Addr = value
	}
	return nil
}
