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

package sigverify

import (
	"bytes"
	"testing"
)

func TestRoundTripKeyAndSignature(t *testing.T) {
	pub, priv, err := GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	content := []byte("package contents")
	sig := Sign(priv, content)

	var keyBuf, sigBuf bytes.Buffer
	if err := EncodePublicKey(&keyBuf, pub); err != nil {
		t.Fatal(err)
	}
	if err := EncodeSignature(&sigBuf, sig); err != nil {
		t.Fatal(err)
	}

	gotKey, err := ParsePublicKey(&keyBuf)
	if err != nil {
		t.Fatalf("ParsePublicKey() error = %v", err)
	}
	gotSig, err := ParseSignature(&sigBuf)
	if err != nil {
		t.Fatalf("ParseSignature() error = %v", err)
	}
	if err := Verify(content, gotSig, []PublicKey{gotKey}); err != nil {
		t.Errorf("Verify() error = %v, want nil", err)
	}
}

func TestVerifyFingerprintMismatchSkipsKey(t *testing.T) {
	_, priv1, _ := GenerateKey()
	pub2, _, _ := GenerateKey()
	content := []byte("data")
	sig := Sign(priv1, content)
	if err := Verify(content, sig, []PublicKey{pub2}); err != ErrNoMatchingKey {
		t.Errorf("Verify() error = %v, want ErrNoMatchingKey", err)
	}
}

func TestVerifyWrongContentFails(t *testing.T) {
	pub, priv, _ := GenerateKey()
	sig := Sign(priv, []byte("original"))
	if err := Verify([]byte("tampered"), sig, []PublicKey{pub}); err == nil {
		t.Error("Verify() succeeded for tampered content, want error")
	}
}

func TestVerifyTriesCandidatesInOrder(t *testing.T) {
	pub1, priv1, _ := GenerateKey()
	content := []byte("data")
	sig := Sign(priv1, content)
	// A decoy key with a colliding fingerprint is not realistic to construct,
	// so instead verify that a non-matching key ahead of the real one is
	// skipped without affecting the result.
	pub2, _, _ := GenerateKey()
	if err := Verify(content, sig, []PublicKey{pub2, pub1}); err != nil {
		t.Errorf("Verify() error = %v, want nil", err)
	}
}
