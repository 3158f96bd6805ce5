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

import "github.com/pkg/errors"

// Terminal errors returned from URI.Finish, matching spec.md §4.1's
// enumerated failure taxonomy.
var (
	ErrInvalidURI         = errors.New("invalid URI")
	ErrUnknownScheme      = errors.New("unknown scheme")
	ErrUnfinishedDownload = errors.New("download unfinished")
	ErrDownloadFail       = errors.New("download failed")
	ErrFileInputError     = errors.New("file input error")
	ErrOutputOpenFail     = errors.New("failed to open output")
	ErrOutputWriteFail    = errors.New("failed to write output")
	ErrSigFail            = errors.New("failed to fetch signature")
	ErrVerifyFail         = errors.New("signature verification failed")
	ErrNonlocalConfigURI  = errors.New("policy URI must be local (file or data scheme)")
)
