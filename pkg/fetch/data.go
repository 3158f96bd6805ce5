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
	"encoding/base64"
	"net/url"
	"strings"

	"github.com/pkg/errors"
)

// decodeDataURI implements the minimal subset of RFC 2397 the spec's test
// scenarios require: "data:[<mediatype>][;base64],<data>".
func decodeDataURI(canonical string) ([]byte, error) {
	rest := strings.TrimPrefix(canonical, "data:")
	idx := strings.Index(rest, ",")
	if idx < 0 {
		return nil, errors.New("malformed data URI: missing comma")
	}
	meta, data := rest[:idx], rest[idx+1:]
	if strings.Contains(meta, "base64") {
		decoded, err := base64.StdEncoding.DecodeString(data)
		if err != nil {
			return nil, errors.Wrap(err, "decoding base64 data URI")
		}
		return decoded, nil
	}
	unescaped, err := url.PathUnescape(data)
	if err != nil {
		return nil, errors.Wrap(err, "unescaping data URI")
	}
	return []byte(unescaped), nil
}
