// Package omaha carries the typed update-check response the payload state
// machine consumes, the JSON decoding of the server's answer, and a thin
// client for issuing update checks.
package omaha

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// DefaultMaxFailureCountPerURL applies when the server response does not
// carry an explicit per-URL failure budget.
const DefaultMaxFailureCountPerURL = 10

// Package is one downloadable payload inside a Response: the platform image
// or an optional component. URLs is the ordered candidate list before any
// policy filtering.
type Package struct {
	Name              string
	URLs              []string
	Size              int64
	MetadataSize      int64
	MetadataSignature string
	Hash              string // sha256, hex
	Fingerprint       string
	AppID             string
	IsDelta           bool
	CanExclude        bool
}

// Response is the decoded result of one update check. It is read-only to the
// payload core; two responses are compared through Signature.
type Response struct {
	// Version is the OS version this response updates to.
	Version string

	Packages              []Package
	MaxFailureCountPerURL int
	DisablePayloadBackoff bool
	PollInterval          time.Duration
}

// Signature returns a canonical fingerprint of everything that makes this
// response "the same work" across repeated checks. Poll interval is
// deliberately excluded: a changed poll hint does not restart the attempt.
func (r *Response) Signature() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Version = %s\n", r.Version)
	for i, p := range r.Packages {
		fmt.Fprintf(&b, "Package %d:\n", i)
		fmt.Fprintf(&b, "  Name = %s\n", p.Name)
		fmt.Fprintf(&b, "  Size = %d\n", p.Size)
		fmt.Fprintf(&b, "  Hash = %s\n", p.Hash)
		fmt.Fprintf(&b, "  MetadataSize = %d\n", p.MetadataSize)
		fmt.Fprintf(&b, "  MetadataSignature = %s\n", p.MetadataSignature)
		fmt.Fprintf(&b, "  Fingerprint = %s\n", p.Fingerprint)
		fmt.Fprintf(&b, "  AppID = %s\n", p.AppID)
		fmt.Fprintf(&b, "  IsDelta = %t\n", p.IsDelta)
		fmt.Fprintf(&b, "  CanExclude = %t\n", p.CanExclude)
		for j, u := range p.URLs {
			fmt.Fprintf(&b, "  Url%d = %s\n", j, u)
		}
	}
	fmt.Fprintf(&b, "MaxFailureCountPerUrl = %d\n", r.MaxFailureCountPerURL)
	fmt.Fprintf(&b, "DisablePayloadBackoff = %t\n", r.DisablePayloadBackoff)

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// Wire shapes for the JSON update-check answer. The nesting mirrors the
// protocol: response -> app -> updatecheck -> urls/manifest, with
// update-engine specifics (delta flag, failure budget, metadata signature)
// on the postinstall action.

type wireRoot struct {
	Response wireResponse `json:"response"`
}

type wireResponse struct {
	Protocol string    `json:"protocol"`
	Apps     []wireApp `json:"app"`
}

type wireApp struct {
	AppID       string          `json:"appid"`
	Status      string          `json:"status"`
	UpdateCheck wireUpdateCheck `json:"updatecheck"`
}

type wireUpdateCheck struct {
	Status       string       `json:"status"`
	PollInterval int          `json:"PollInterval,omitempty"`
	URLs         wireURLs     `json:"urls"`
	Manifest     wireManifest `json:"manifest"`
}

type wireURLs struct {
	URL []wireURL `json:"url"`
}

type wireURL struct {
	Codebase string `json:"codebase"`
}

type wireManifest struct {
	Version  string       `json:"version"`
	Packages wirePackages `json:"packages"`
	Actions  wireActions  `json:"actions"`
}

type wirePackages struct {
	Pkg []wirePkg `json:"package"`
}

type wirePkg struct {
	Name        string `json:"name"`
	Hash        string `json:"hash_sha256"`
	Size        int64  `json:"size"`
	Fingerprint string `json:"fp"`
	Required    bool   `json:"required"`
}

type wireActions struct {
	Action []wireAction `json:"action"`
}

type wireAction struct {
	Event                 string `json:"event"`
	IsDeltaPayload        bool   `json:"IsDeltaPayload,omitempty"`
	MetadataSize          int64  `json:"MetadataSize,omitempty"`
	MetadataSignature     string `json:"MetadataSignatureRsa,omitempty"`
	MaxFailureCountPerURL int    `json:"MaxFailureCountPerUrl,omitempty"`
	DisablePayloadBackoff bool   `json:"DisablePayloadBackoff,omitempty"`
}

// ErrNoUpdate is reported when the server answered but offered nothing.
var ErrNoUpdate = fmt.Errorf("no update available")

// ParseResponse decodes the server's JSON answer into a Response.
// An app whose updatecheck status is "noupdate" yields ErrNoUpdate.
func ParseResponse(data []byte) (*Response, error) {
	var root wireRoot
	if err := json.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("decode update response: %w", err)
	}
	if len(root.Response.Apps) == 0 {
		return nil, fmt.Errorf("update response carries no app")
	}

	resp := &Response{
		MaxFailureCountPerURL: DefaultMaxFailureCountPerURL,
	}

	sawUpdate := false
	for _, app := range root.Response.Apps {
		uc := app.UpdateCheck
		if uc.Status != "ok" {
			continue
		}
		sawUpdate = true

		if uc.PollInterval > 0 && resp.PollInterval == 0 {
			resp.PollInterval = time.Duration(uc.PollInterval) * time.Second
		}
		if resp.Version == "" {
			resp.Version = uc.Manifest.Version
		}

		var postinstall wireAction
		for _, a := range uc.Manifest.Actions.Action {
			if a.Event == "postinstall" {
				postinstall = a
				break
			}
		}
		if postinstall.MaxFailureCountPerURL > 0 {
			resp.MaxFailureCountPerURL = postinstall.MaxFailureCountPerURL
		}
		if postinstall.DisablePayloadBackoff {
			resp.DisablePayloadBackoff = true
		}

		for _, p := range uc.Manifest.Packages.Pkg {
			if p.Name == "" {
				continue
			}
			pkg := Package{
				Name:              p.Name,
				Size:              p.Size,
				Hash:              p.Hash,
				Fingerprint:       p.Fingerprint,
				AppID:             app.AppID,
				IsDelta:           postinstall.IsDeltaPayload,
				CanExclude:        !p.Required,
				MetadataSize:      postinstall.MetadataSize,
				MetadataSignature: postinstall.MetadataSignature,
			}
			for _, u := range uc.URLs.URL {
				if u.Codebase == "" {
					continue
				}
				base := u.Codebase
				if !strings.HasSuffix(base, "/") {
					base += "/"
				}
				pkg.URLs = append(pkg.URLs, base+p.Name)
			}
			resp.Packages = append(resp.Packages, pkg)
		}
	}

	if !sawUpdate || len(resp.Packages) == 0 {
		return nil, ErrNoUpdate
	}
	return resp, nil
}
