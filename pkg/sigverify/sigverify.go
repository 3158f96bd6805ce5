// Copyright 2024 The OSS Rebuild Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package sigverify implements the fixed asymmetric signature scheme used
// to authenticate repository indices and downloaded packages (spec.md
// §4.1 "Signature and verification"): a 2-byte algorithm tag, an 8-byte key
// fingerprint, a 32-byte public key or 64-byte signature, all transported
// in a line-prefixed base64 envelope.
//
// The envelope shape is modeled on minisign (as used by the ecosystem's
// github.com/jedisct1/go-minisign) but the exact wire layout is dictated by
// the specification rather than minisign's own format, so it is hand-rolled
// here on top of crypto/ed25519 and encoding/base64 rather than imported.
package sigverify

import (
	"bufio"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"github.com/pkg/errors"
)

// AlgEd25519 is the only algorithm tag currently defined.
var AlgEd25519 = [2]byte{'E', 'd'}

const (
	fingerprintLen = 8
	pubKeyLen      = ed25519.PublicKeySize // 32
	sigLen         = ed25519.SignatureSize // 64
)

// ErrNoMatchingKey is returned when no configured public key's fingerprint
// matches the signature's fingerprint.
var ErrNoMatchingKey = errors.New("no matching key")

// PublicKey is a parsed public-key envelope.
type PublicKey struct {
	Alg         [2]byte
	Fingerprint [fingerprintLen]byte
	Key         ed25519.PublicKey
}

// Signature is a parsed signature envelope.
type Signature struct {
	Alg         [2]byte
	Fingerprint [fingerprintLen]byte
	Sig         [sigLen]byte
}

// Fingerprint derives the 8-byte fingerprint embedded alongside a public
// key: the leading bytes of SHA-256(key).
func Fingerprint(key ed25519.PublicKey) (fp [fingerprintLen]byte) {
	sum := sha256.Sum256(key)
	copy(fp[:], sum[:fingerprintLen])
	return fp
}

// GenerateKey creates a fresh ed25519 keypair and its PublicKey envelope.
func GenerateKey() (PublicKey, ed25519.PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return PublicKey{}, nil, err
	}
	return PublicKey{Alg: AlgEd25519, Fingerprint: Fingerprint(pub), Key: pub}, priv, nil
}

// Sign produces a Signature envelope for content under priv.
func Sign(priv ed25519.PrivateKey, content []byte) Signature {
	pub := priv.Public().(ed25519.PublicKey)
	s := Signature{Alg: AlgEd25519, Fingerprint: Fingerprint(pub)}
	copy(s.Sig[:], ed25519.Sign(priv, content))
	return s
}

// EncodePublicKey writes the line-prefixed base64 envelope for a public key.
func EncodePublicKey(w io.Writer, k PublicKey) error {
	blob := make([]byte, 0, 2+fingerprintLen+pubKeyLen)
	blob = append(blob, k.Alg[:]...)
	blob = append(blob, k.Fingerprint[:]...)
	blob = append(blob, k.Key...)
	return writeEnvelope(w, "pubkey", k.Fingerprint, blob)
}

// EncodeSignature writes the line-prefixed base64 envelope for a signature.
func EncodeSignature(w io.Writer, s Signature) error {
	blob := make([]byte, 0, 2+fingerprintLen+sigLen)
	blob = append(blob, s.Alg[:]...)
	blob = append(blob, s.Fingerprint[:]...)
	blob = append(blob, s.Sig[:]...)
	return writeEnvelope(w, "signature", s.Fingerprint, blob)
}

func writeEnvelope(w io.Writer, kind string, fp [fingerprintLen]byte, blob []byte) error {
	if _, err := fmt.Fprintf(w, "untrusted comment: %s %x\n", kind, fp); err != nil {
		return err
	}
	if _, err := fmt.Fprintln(w, base64.StdEncoding.EncodeToString(blob)); err != nil {
		return err
	}
	return nil
}

// ParsePublicKey decodes a line-prefixed base64 public-key envelope.
func ParsePublicKey(r io.Reader) (PublicKey, error) {
	blob, err := readEnvelope(r)
	if err != nil {
		return PublicKey{}, err
	}
	if len(blob) != 2+fingerprintLen+pubKeyLen {
		return PublicKey{}, errors.Errorf("malformed public key envelope: got %d bytes", len(blob))
	}
	var k PublicKey
	copy(k.Alg[:], blob[0:2])
	copy(k.Fingerprint[:], blob[2:2+fingerprintLen])
	k.Key = append(ed25519.PublicKey(nil), blob[2+fingerprintLen:]...)
	if k.Alg != AlgEd25519 {
		return PublicKey{}, errors.Errorf("unsupported algorithm tag %x", k.Alg)
	}
	return k, nil
}

// ParseSignature decodes a line-prefixed base64 signature envelope.
func ParseSignature(r io.Reader) (Signature, error) {
	blob, err := readEnvelope(r)
	if err != nil {
		return Signature{}, err
	}
	if len(blob) != 2+fingerprintLen+sigLen {
		return Signature{}, errors.Errorf("malformed signature envelope: got %d bytes", len(blob))
	}
	var s Signature
	copy(s.Alg[:], blob[0:2])
	copy(s.Fingerprint[:], blob[2:2+fingerprintLen])
	copy(s.Sig[:], blob[2+fingerprintLen:])
	if s.Alg != AlgEd25519 {
		return Signature{}, errors.Errorf("unsupported algorithm tag %x", s.Alg)
	}
	return s, nil
}

func readEnvelope(r io.Reader) ([]byte, error) {
	sc := bufio.NewScanner(r)
	var b64Line string
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, "untrusted comment:") {
			continue
		}
		b64Line = line
		break
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if b64Line == "" {
		return nil, errors.New("envelope missing base64 line")
	}
	return base64.StdEncoding.DecodeString(b64Line)
}

// Verify checks content against sig using the first key in keys whose
// fingerprint matches the signature's fingerprint, trying candidates in
// order. Keys whose fingerprint does not match are skipped without being
// cryptographically tried. Returns ErrNoMatchingKey if none match.
func Verify(content []byte, sig Signature, keys []PublicKey) error {
	var sawMatch bool
	for _, k := range keys {
		if k.Fingerprint != sig.Fingerprint {
			continue
		}
		sawMatch = true
		if ed25519.Verify(k.Key, content, sig.Sig[:]) {
			return nil
		}
	}
	if !sawMatch {
		return ErrNoMatchingKey
	}
	return errors.New("signature verification failed")
}
