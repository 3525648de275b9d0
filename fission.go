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

// Package fission contains constants shared between the fission server,
// the fission CLI and the libraries underneath them.
package fission

import "strings"

// Version is the semantic version of the fission server and CLI.
const Version = "2.2.0"

const (
	// ComponentKey is the slog attribute key holding the component name.
	ComponentKey = "component"

	// ComponentServer is the top level server process.
	ComponentServer = "server"

	// ComponentAuth is the account and capability engine.
	ComponentAuth = "auth"

	// ComponentWeb is the HTTP API.
	ComponentWeb = "web"

	// ComponentDNS is the authoritative DNS responder.
	ComponentDNS = "dns"

	// ComponentRelay is the websocket fan-out hub.
	ComponentRelay = "relay"

	// ComponentEmail is the verification code delivery path.
	ComponentEmail = "email"

	// ComponentCLI is the command line client.
	ComponentCLI = "cli"

	// ComponentStore is the persistence layer.
	ComponentStore = "store"
)

const (
	// APIPrefix is the versioned prefix of every HTTP API route.
	APIPrefix = "/api/v0"

	// HeaderUCAN carries a comma separated list of encoded witness
	// tokens on privileged requests.
	HeaderUCAN = "ucan"
)

// Component generates a colon-joined component name for logging, e.g.
// Component("dns", "doh") returns "dns:doh".
func Component(components ...string) string {
	return strings.Join(components, ":")
}
