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

// Package email generates and delivers account verification codes.
// Codes travel out of band; only their hash is persisted.
package email

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"math/big"

	"github.com/gravitational/trace"
)

// CodeLength is the number of digits in a verification code.
const CodeLength = 6

// Sender delivers a verification code to its recipient over some out
// of band channel.
type Sender interface {
	// SendCode delivers code to the given address.
	SendCode(ctx context.Context, email, code string) error
}

// NewCode draws a fresh zero-padded numeric code.
func NewCode() (string, error) {
	max := big.NewInt(1)
	for i := 0; i < CodeLength; i++ {
		max.Mul(max, big.NewInt(10))
	}
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", trace.Wrap(err)
	}
	return fmt.Sprintf("%0*d", CodeLength, n), nil
}

// HashCode is the at-rest form of a code.
func HashCode(code string) []byte {
	sum := sha256.Sum256([]byte(code))
	return sum[:]
}

// MatchCode compares a submitted code against a stored hash in
// constant time.
func MatchCode(code string, hash []byte) bool {
	sum := HashCode(code)
	return subtle.ConstantTimeCompare(sum, hash) == 1
}
