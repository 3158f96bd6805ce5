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

package fetch

import (
	"bytes"
	"context"

	"github.com/pkg/errors"

	"github.com/google/opkg-updater/pkg/sigverify"
)

// fetchLocalConfigURI retrieves content for a policy URI (pubkey or PEM).
// These must resolve locally (file or data scheme); anything else fails
// with ErrNonlocalConfigURI since policy material must not itself require
// a network round-trip that could be tampered with or time out.
func fetchLocalConfigURI(u *URI) ([]byte, error) {
	switch u.scheme {
	case SchemeFile:
		return readFileURI(u.canonical)
	case SchemeData:
		return decodeDataURI(u.canonical)
	default:
		return nil, errors.Wrapf(ErrNonlocalConfigURI, "%s", u.canonical)
	}
}

// verifySignature fetches u's signature and all configured pubkeys, then
// verifies content against them in order, per spec.md §4.1.
func verifySignature(ctx context.Context, u *URI, content []byte) error {
	sig, err := u.resolvedSig()
	if err != nil {
		return errors.Wrap(ErrSigFail, err.Error())
	}
	sigData, err := fetchContent(ctx, sig)
	if err != nil {
		return errors.Wrap(ErrSigFail, err.Error())
	}
	parsedSig, err := sigverify.ParseSignature(bytes.NewReader(sigData))
	if err != nil {
		return errors.Wrap(ErrSigFail, err.Error())
	}
	var keys []sigverify.PublicKey
	for _, keyURI := range u.policy.pubKeys {
		data, err := fetchLocalConfigURI(keyURI)
		if err != nil {
			return err
		}
		key, err := sigverify.ParsePublicKey(bytes.NewReader(data))
		if err != nil {
			return errors.Wrap(ErrSigFail, err.Error())
		}
		keys = append(keys, key)
	}
	if err := sigverify.Verify(content, parsedSig, keys); err != nil {
		return errors.Wrap(ErrVerifyFail, err.Error())
	}
	return nil
}
