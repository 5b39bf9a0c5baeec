// Package policy exposes the slice of device policy the update core consults.
// Policy is optional: a nil DevicePolicy or an unset field means the
// permissive default applies.
package policy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DevicePolicy answers policy lookups. The second return reports whether the
// policy actually carries the value; callers fall back to their default when
// it does not.
type DevicePolicy interface {
	HTTPDownloadsEnabled() (enabled bool, ok bool)
}

// filePolicy is a YAML-file-backed DevicePolicy, typically pushed by the
// device-management stack.
type filePolicy struct {
	httpDownloads *bool
}

type policyFile struct {
	HTTPDownloadsEnabled *bool `yaml:"http_downloads_enabled"`
}

// LoadFile reads the policy file at path. A missing file yields (nil, nil):
// no policy installed.
func LoadFile(path string) (DevicePolicy, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}

	var pf policyFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("parse policy file %s: %w", path, err)
	}
	return &filePolicy{httpDownloads: pf.HTTPDownloadsEnabled}, nil
}

func (p *filePolicy) HTTPDownloadsEnabled() (bool, bool) {
	if p.httpDownloads == nil {
		return false, false
	}
	return *p.httpDownloads, true
}

// Static is a fixed policy for tests and manual overrides.
type Static struct {
	HTTPDownloads *bool
}

func (s *Static) HTTPDownloadsEnabled() (bool, bool) {
	if s.HTTPDownloads == nil {
		return false, false
	}
	return *s.HTTPDownloads, true
}
