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
	"net/url"
	"os"

	"github.com/pkg/errors"
)

// filePath extracts the filesystem path a file: URI's canonical form refers to.
func filePath(canonical string) (string, error) {
	u, err := url.Parse(canonical)
	if err != nil {
		return "", err
	}
	if u.Path != "" {
		return u.Path, nil
	}
	return u.Opaque, nil
}

func readFileURI(canonical string) ([]byte, error) {
	p, err := filePath(canonical)
	if err != nil {
		return nil, errors.Wrap(ErrFileInputError, err.Error())
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, errors.Wrap(ErrFileInputError, err.Error())
	}
	return data, nil
}
