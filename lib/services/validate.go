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

package services

import (
	"regexp"
	"strings"

	"github.com/gravitational/trace"
	"golang.org/x/net/idna"
)

// usernameRegexp matches a single LDH DNS label: letters, digits and
// inner hyphens, at most 63 octets.
var usernameRegexp = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?$`)

// emailRegexp is deliberately loose; deliverability is proven by the
// verification code, not the pattern.
var emailRegexp = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

// ValidateUsername checks that a username is usable as the DNS label in
// _did.<username>.<origin>: punycode normal form, LDH shape, length
// bounds. Usernames are case-sensitive; comparison happens on the
// stored form.
func ValidateUsername(username string) error {
	if username == "" {
		return trace.BadParameter("username is empty")
	}
	ascii, err := idna.Lookup.ToASCII(username)
	if err != nil {
		return trace.BadParameter("username %q is not a valid punycode label: %v", username, err)
	}
	if ascii != username {
		return trace.BadParameter("username %q is not in punycode normal form", username)
	}
	if strings.Contains(username, ".") {
		return trace.BadParameter("username %q must be a single label", username)
	}
	if !usernameRegexp.MatchString(username) {
		return trace.BadParameter("username %q is not a valid DNS label", username)
	}
	return nil
}

// ValidateEmail pattern-checks an email address.
func ValidateEmail(email string) error {
	if !emailRegexp.MatchString(email) {
		return trace.BadParameter("%q is not a valid email address", email)
	}
	return nil
}
