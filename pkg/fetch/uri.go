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

// Package fetch implements the concurrent, pluggable URI fetch layer:
// construction and RFC 3986-ish canonicalization of URIs, their inherited
// verification policy, and the bounded-parallelism Downloader that drives
// them to completion (spec.md §4.1).
package fetch

import (
	"net/url"
	"os"
	"path"
	"strings"

	"github.com/pkg/errors"
)

// Scheme is the set of URI schemes the fetch layer understands.
type Scheme int

const (
	SchemeUnknown Scheme = iota
	SchemeFile
	SchemeData
	SchemeHTTP
	SchemeHTTPS
)

func schemeFor(s string) Scheme {
	switch strings.ToLower(s) {
	case "file", "":
		return SchemeFile
	case "data":
		return SchemeData
	case "http":
		return SchemeHTTP
	case "https":
		return SchemeHTTPS
	default:
		return SchemeUnknown
	}
}

// SinkKind selects where retrieved content is written.
type SinkKind int

const (
	// SinkBuffer holds content in memory; this is the default.
	SinkBuffer SinkKind = iota
	// SinkFile writes content to a fixed path.
	SinkFile
	// SinkTempFile writes content to a path generated from a template.
	SinkTempFile
)

// policy holds the verification knobs that propagate by value from parent
// to child URI at construction time, plus the pubkey/PEM lists that are
// shared by reference (Go's GC retires the original's manual refcounting).
type policy struct {
	sslVerify bool
	ocsp      bool
	caPin     bool
	pubKeys   []*URI
	pems      []*URI
}

func defaultPolicy() policy {
	return policy{sslVerify: true, ocsp: true}
}

// URI is the fetch unit: a canonical URI string plus its inherited
// verification policy and configured output sink.
type URI struct {
	raw       string
	canonical string
	scheme    Scheme
	cwd       string // sentinel captured at construction for relative file resolution

	sink       SinkKind
	outputPath string // fixed path (SinkFile) or template (SinkTempFile)
	progress   func(n int)

	sigURI      *URI
	sigExplicit bool

	policy policy

	registered bool
	finished   bool
	result     *Result
	err        error
}

// Result is the outcome of a successfully finished URI.
type Result struct {
	Data        []byte // populated for SinkBuffer
	Path        string // populated for SinkFile/SinkTempFile
	ContentHash string // hex SHA-256 of Data/the file, computed while writing the sink
}

// New constructs a URI, normalizing relative forms against parent (or the
// current working directory, for a parentless file-scheme URI).
func New(raw string, parent *URI) (*URI, error) {
	if raw == "" {
		return nil, errors.Wrap(ErrInvalidURI, "empty URI")
	}
	cwd, _ := os.Getwd()
	canonical, scheme, err := canonicalize(raw, parent, cwd)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidURI, err.Error())
	}
	u := &URI{
		raw:       raw,
		canonical: canonical,
		scheme:    scheme,
		cwd:       cwd,
		policy:    defaultPolicy(),
	}
	if parent != nil {
		u.policy = policy{
			sslVerify: parent.policy.sslVerify,
			ocsp:      parent.policy.ocsp,
			caPin:     parent.policy.caPin,
			pubKeys:   parent.policy.pubKeys,
			pems:      parent.policy.pems,
		}
	}
	return u, nil
}

// Canonical returns the normalized URI string.
func (u *URI) Canonical() string { return u.canonical }

// Scheme returns the URI's scheme tag.
func (u *URI) Scheme() Scheme { return u.scheme }

func (u *URI) checkMutable() error {
	if u.registered {
		return errors.New("URI already registered with a downloader")
	}
	if u.finished {
		return errors.New("URI already finished")
	}
	return nil
}

// SetOutputFile configures a fixed-path file sink.
func (u *URI) SetOutputFile(path string) error {
	if err := u.checkMutable(); err != nil {
		return err
	}
	u.sink, u.outputPath = SinkFile, path
	return nil
}

// SetOutputTempfile configures a file sink generated from template (a
// pattern suitable for os.CreateTemp's "pattern" argument).
func (u *URI) SetOutputTempfile(template string) error {
	if err := u.checkMutable(); err != nil {
		return err
	}
	u.sink, u.outputPath = SinkTempFile, template
	return nil
}

// SetProgress registers a callback invoked with each chunk's byte count as
// the sink is written, fed from the same teeWriter pass that computes the
// content hash (spec.md §4.1's "optional progress" knob).
func (u *URI) SetProgress(f func(n int)) error {
	if err := u.checkMutable(); err != nil {
		return err
	}
	u.progress = f
	return nil
}

// AddPubkey adds a trusted public-key URI. The presence of any pubkey
// implies a signature must be fetched and verified.
func (u *URI) AddPubkey(key *URI) error {
	if err := u.checkMutable(); err != nil {
		return err
	}
	u.policy.pubKeys = append(u.policy.pubKeys, key)
	return nil
}

// SetSig explicitly sets the signature URI, overriding the default
// "<uri>.sig" derivation.
func (u *URI) SetSig(sig *URI) error {
	if err := u.checkMutable(); err != nil {
		return err
	}
	u.sigURI, u.sigExplicit = sig, true
	return nil
}

// AddPEM adds a PEM-material URI. The HTTP client reads these as CA
// certificates only when both TLS verification and CA pinning are on;
// otherwise they are not used. CRLs among them are not applied.
func (u *URI) AddPEM(pem *URI) error {
	if err := u.checkMutable(); err != nil {
		return err
	}
	u.policy.pems = append(u.policy.pems, pem)
	return nil
}

// SetSSLVerify toggles TLS peer verification.
func (u *URI) SetSSLVerify(v bool) error {
	if err := u.checkMutable(); err != nil {
		return err
	}
	u.policy.sslVerify = v
	return nil
}

// SetOCSP records the OCSP setting in the URI's policy. The HTTP client
// performs no OCSP checking, whatever the setting.
func (u *URI) SetOCSP(v bool) error {
	if err := u.checkMutable(); err != nil {
		return err
	}
	u.policy.ocsp = v
	return nil
}

// SetCAPin toggles CA pinning (excludes the system trust store).
func (u *URI) SetCAPin(v bool) error {
	if err := u.checkMutable(); err != nil {
		return err
	}
	u.policy.caPin = v
	return nil
}

// resolvedSig returns the signature URI to fetch, deriving "<uri>.sig" if
// none was explicitly set.
func (u *URI) resolvedSig() (*URI, error) {
	if u.sigExplicit {
		return u.sigURI, nil
	}
	sig, err := New(u.canonical+".sig", u)
	if err != nil {
		return nil, err
	}
	// The signature URI inherits HTTPS policy but never recurses into pubkeys.
	sig.policy.pubKeys = nil
	return sig, nil
}

// canonicalize applies spec.md §4.1's RFC 3986-ish parsing and parent
// inheritance rules, then normalizes "." and ".." path segments.
func canonicalize(raw string, parent *URI, cwd string) (string, Scheme, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", SchemeUnknown, err
	}
	switch {
	case u.Scheme != "" && (parent == nil || !strings.EqualFold(u.Scheme, schemeName(parent.scheme))):
		// Explicit scheme differing from (or without) a parent: standalone, no inheritance.
		return cleanStandalone(u), schemeFor(u.Scheme), nil
	case u.Scheme == "" && parent != nil:
		base, err := url.Parse(parent.canonical)
		if err != nil {
			return "", SchemeUnknown, err
		}
		resolved := base.ResolveReference(u)
		return resolved.String(), schemeFor(resolved.Scheme), nil
	case u.Scheme == "" && parent == nil:
		base := &url.URL{Scheme: "file", Path: cwd + "/"}
		resolved := base.ResolveReference(u)
		return resolved.String(), SchemeFile, nil
	default: // explicit scheme equal to parent's
		base, err := url.Parse(parent.canonical)
		if err != nil {
			return "", SchemeUnknown, err
		}
		resolved := base.ResolveReference(u)
		return resolved.String(), schemeFor(resolved.Scheme), nil
	}
}

func schemeName(s Scheme) string {
	switch s {
	case SchemeFile:
		return "file"
	case SchemeData:
		return "data"
	case SchemeHTTP:
		return "http"
	case SchemeHTTPS:
		return "https"
	default:
		return ""
	}
}

// cleanStandalone normalizes the path/opaque component of a URI with no
// parent to resolve against, stripping redundant "." segments and
// collapsing ".." where possible.
func cleanStandalone(u *url.URL) string {
	if u.Opaque != "" {
		u.Opaque = cleanOpaquePath(u.Opaque)
		return u.String()
	}
	if u.Path != "" {
		hadTrailingSlash := strings.HasSuffix(u.Path, "/") && u.Path != "/"
		u.Path = path.Clean(u.Path)
		if u.Path == "." {
			u.Path = ""
		}
		if hadTrailingSlash && !strings.HasSuffix(u.Path, "/") {
			// RFC 3986 merge (used when resolving a later relative reference
			// against this URI) depends on a directory-like path keeping its
			// trailing slash; path.Clean always strips it.
			u.Path += "/"
		}
	}
	return u.String()
}

// cleanOpaquePath strips a leading "./" and collapses internal "." and ".."
// segments without requiring the result be rooted (opaque parts of a URI
// have no leading slash).
func cleanOpaquePath(p string) string {
	cleaned := path.Clean("/" + p)
	return strings.TrimPrefix(cleaned, "/")
}
