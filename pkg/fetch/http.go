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
	"context"
	"crypto/tls"
	"crypto/x509"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
)

// HTTPClient is the BasicClient-shaped abstraction this package fetches
// over, modeled on internal/httpx.BasicClient in the teacher repository.
type HTTPClient interface {
	Do(*http.Request) (*http.Response, error)
}

// UserAgent is exported so callers can set it from os-release identity
// (spec.md §6 "User-Agent identifies the updater version and host OS").
var UserAgent = "opkg-updater/1.0"

// retries is the number of transfer attempts fetchHTTP makes before a URI
// is marked failed.
const retries = 3

func clientFor(p policy) (HTTPClient, error) {
	tlsCfg := &tls.Config{InsecureSkipVerify: !p.sslVerify}
	if p.sslVerify && p.caPin {
		pool := x509.NewCertPool()
		for _, pemURI := range p.pems {
			data, err := fetchLocalConfigURI(pemURI)
			if err != nil {
				return nil, err
			}
			if !pool.AppendCertsFromPEM(data) {
				return nil, errors.New("no valid certificates in PEM URI")
			}
		}
		tlsCfg.RootCAs = pool
	}
	transport := &http.Transport{TLSClientConfig: tlsCfg}
	return &userAgentClient{inner: &http.Client{Transport: transport, Timeout: 60 * time.Second}}, nil
}

type userAgentClient struct {
	inner *http.Client
}

func (c *userAgentClient) Do(req *http.Request) (*http.Response, error) {
	req.Header.Set("User-Agent", UserAgent)
	return c.inner.Do(req)
}

func fetchHTTP(ctx context.Context, client HTTPClient, canonical string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < retries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, canonical, nil)
		if err != nil {
			return nil, errors.Wrap(ErrDownloadFail, err.Error())
		}
		resp, err := client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			lastErr = errors.Errorf("unexpected status: %s", resp.Status)
			continue
		}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			lastErr = err
			continue
		}
		return data, nil
	}
	return nil, errors.Wrap(ErrDownloadFail, lastErr.Error())
}
