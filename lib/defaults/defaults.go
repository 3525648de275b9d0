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

// Package defaults contains default constants used across the fission
// server and CLI.
package defaults

import "time"

// Default listen ports.
const (
	// HTTPListenPort serves the JSON API, the DoH shim and the
	// websocket relay.
	HTTPListenPort = 1337

	// DNSListenPort serves plaintext DNS over UDP and TCP.
	DNSListenPort = 5354

	// DiagListenPort serves Prometheus metrics.
	DiagListenPort = 3434
)

const (
	// RequestTimeout bounds handling of a single API request; exceeding
	// it aborts outstanding I/O and returns 408 to the client.
	RequestTimeout = 30 * time.Second

	// ShutdownTimeout bounds graceful server shutdown.
	ShutdownTimeout = 10 * time.Second

	// VerificationCodeTTL is how long an emailed verification code
	// remains redeemable.
	VerificationCodeTTL = 24 * time.Hour

	// PresenterTokenTTL is the lifetime the CLI stamps on the
	// short-lived tokens it mints per request.
	PresenterTokenTTL = 5 * time.Minute

	// DNSRecordTTL is the TTL returned on authoritative TXT answers.
	DNSRecordTTL = 10

	// DNSQueryTimeout bounds a single DNS lookup, including upstream
	// forwards.
	DNSQueryTimeout = 5 * time.Second

	// MaxRequestBody caps API request bodies; larger bodies return 413.
	MaxRequestBody = 1 << 20

	// RetryAttempts is how many times the client retries a transient
	// failure before giving up.
	RetryAttempts = 3

	// RetryBaseDelay is the initial backoff delay between client
	// retries; it doubles per attempt.
	RetryBaseDelay = 250 * time.Millisecond
)

const (
	// DNSForwarder is the upstream recursive resolver for names outside
	// the configured origin.
	DNSForwarder = "1.1.1.1:53"

	// IPFSAddr is the HTTP API of the local IPFS node.
	IPFSAddr = "http://127.0.0.1:5001"
)
