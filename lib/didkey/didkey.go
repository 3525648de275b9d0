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

// Package didkey wraps an Ed25519 signing key and its public
// representation as a did:key decentralized identifier.
package didkey

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"os"
	"strings"

	"github.com/gravitational/trace"
	"github.com/multiformats/go-multibase"
	"github.com/multiformats/go-varint"
)

// Prefix starts every DID this package produces or accepts.
const Prefix = "did:key:"

// multicodecEd25519Pub is the multicodec code for an Ed25519 public key.
const multicodecEd25519Pub = 0xed

// pemBlockType labels the PEM block holding the PKCS#8 private key.
const pemBlockType = "PRIVATE KEY"

// Key is an Ed25519 signing keypair.
type Key struct {
	priv ed25519.PrivateKey
}

// New generates a fresh keypair.
func New() (*Key, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &Key{priv: priv}, nil
}

// FromPrivateKey wraps an existing Ed25519 private key.
func FromPrivateKey(priv ed25519.PrivateKey) *Key {
	return &Key{priv: priv}
}

// Load reads a PEM encoded PKCS#8 private key from path.
func Load(path string) (*Key, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	block, _ := pem.Decode(data)
	if block == nil || block.Type != pemBlockType {
		return nil, trace.BadParameter("%v does not contain a PEM private key", path)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	priv, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, trace.BadParameter("%v holds a %T, expected an Ed25519 key", path, parsed)
	}
	return &Key{priv: priv}, nil
}

// Save writes the key to path as PEM encoded PKCS#8, readable only by
// the owner.
func (k *Key) Save(path string) error {
	der, err := x509.MarshalPKCS8PrivateKey(k.priv)
	if err != nil {
		return trace.Wrap(err)
	}
	data := pem.EncodeToMemory(&pem.Block{Type: pemBlockType, Bytes: der})
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return trace.ConvertSystemError(err)
	}
	return nil
}

// Public returns the public half of the keypair.
func (k *Key) Public() ed25519.PublicKey {
	return k.priv.Public().(ed25519.PublicKey)
}

// DID renders the public key as a did:key string: the multicodec
// Ed25519 prefix plus the raw key, multibase base58btc encoded.
func (k *Key) DID() string {
	return Encode(k.Public())
}

// Sign signs data with the private key.
func (k *Key) Sign(data []byte) []byte {
	return ed25519.Sign(k.priv, data)
}

// Encode renders an Ed25519 public key as a did:key string.
func Encode(pub ed25519.PublicKey) string {
	buf := append(varint.ToUvarint(multicodecEd25519Pub), pub...)
	encoded, err := multibase.Encode(multibase.Base58BTC, buf)
	if err != nil {
		// Base58BTC is a registered encoding; Encode only fails on
		// unknown encodings.
		panic(err)
	}
	return Prefix + encoded
}

// Parse extracts the Ed25519 public key from a did:key string.
func Parse(did string) (ed25519.PublicKey, error) {
	rest, ok := strings.CutPrefix(did, Prefix)
	if !ok {
		return nil, trace.BadParameter("%q is not a did:key identifier", did)
	}
	encoding, buf, err := multibase.Decode(rest)
	if err != nil {
		return nil, trace.BadParameter("malformed DID %q: %v", did, err)
	}
	if encoding != multibase.Base58BTC {
		return nil, trace.BadParameter("DID %q is not base58btc encoded", did)
	}
	code, n, err := varint.FromUvarint(buf)
	if err != nil {
		return nil, trace.BadParameter("malformed DID %q: %v", did, err)
	}
	if code != multicodecEd25519Pub {
		return nil, trace.BadParameter("DID %q carries unsupported key type 0x%x", did, code)
	}
	if len(buf[n:]) != ed25519.PublicKeySize {
		return nil, trace.BadParameter("DID %q carries a truncated key", did)
	}
	return ed25519.PublicKey(buf[n:]), nil
}

// Verify checks sig over data against the public key embedded in did.
func Verify(did string, data, sig []byte) error {
	pub, err := Parse(did)
	if err != nil {
		return trace.Wrap(err)
	}
	if !ed25519.Verify(pub, data, sig) {
		return trace.BadParameter("signature does not verify against %v", did)
	}
	return nil
}
