// Package excluder tracks permanently blacklisted payload URLs. Exclusion
// outlives the current update attempt: once a URL identifier is excluded it
// stays excluded until Reset (a new OS version wiping the list).
package excluder

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/skylift-os/update-agent/internal/logging"
	"github.com/skylift-os/update-agent/internal/prefs"
)

var log = logging.L("excluder")

// Excluder is the blacklist collaborator of the payload state machine.
// All methods report success; persistence failures degrade to "not excluded".
type Excluder interface {
	Exclude(name string) bool
	IsExcluded(name string) bool
	Reset() bool
}

// Name derives the stable exclusion identifier for a candidate URL.
func Name(url string) string {
	sum := sha256.Sum256([]byte(url))
	return hex.EncodeToString(sum[:])
}

const (
	keyPrefix = "exclusion-"
	indexKey  = "exclusion-index"
)

// PrefsExcluder persists exclusions in the agent's preference store. The
// store has no prefix scan, so an index key holds the newline-joined names
// for Reset to walk.
type PrefsExcluder struct {
	store prefs.Store
}

func New(store prefs.Store) *PrefsExcluder {
	return &PrefsExcluder{store: store}
}

func (e *PrefsExcluder) Exclude(name string) bool {
	if err := e.store.SetBool(keyPrefix+name, true); err != nil {
		log.Warn("failed to persist exclusion", "name", name, "error", err)
		return false
	}

	index, _ := e.store.GetString(indexKey)
	names := splitIndex(index)
	for _, n := range names {
		if n == name {
			return true
		}
	}
	names = append(names, name)
	if err := e.store.SetString(indexKey, strings.Join(names, "\n")); err != nil {
		log.Warn("failed to persist exclusion index", "error", err)
		return false
	}

	log.Info("excluded payload url", "name", name)
	return true
}

func (e *PrefsExcluder) IsExcluded(name string) bool {
	v, ok := e.store.GetBool(keyPrefix + name)
	return ok && v
}

// Reset drops every exclusion.
func (e *PrefsExcluder) Reset() bool {
	index, _ := e.store.GetString(indexKey)
	ok := true
	for _, name := range splitIndex(index) {
		if err := e.store.Delete(keyPrefix + name); err != nil {
			ok = false
		}
	}
	if err := e.store.Delete(indexKey); err != nil {
		ok = false
	}
	return ok
}

func splitIndex(index string) []string {
	if index == "" {
		return nil
	}
	return strings.Split(index, "\n")
}
