package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/skylift-os/update-agent/internal/omaha"
)

// StagingApplier promotes a verified payload from its .partial name to its
// final name in the download directory, where the platform installer picks
// it up. The rename is atomic within the directory.
type StagingApplier struct {
	Dir string
}

func (a *StagingApplier) Apply(_ context.Context, path string, pkg *omaha.Package) error {
	final := filepath.Join(a.Dir, pkg.Name)
	if err := os.Rename(path, final); err != nil {
		return fmt.Errorf("stage payload %s: %w", pkg.Name, err)
	}
	if err := os.Chmod(final, 0o644); err != nil {
		return fmt.Errorf("stage payload %s: %w", pkg.Name, err)
	}
	log.Info("payload staged", "path", final)
	return nil
}

// KernelBoot reads the booted slot identity from the kernel command line's
// root= parameter. On an A/B partition scheme the root device changes with
// the active slot, which is exactly the identity failed-boot detection needs.
type KernelBoot struct {
	CmdlinePath string
}

func NewKernelBoot() *KernelBoot {
	return &KernelBoot{CmdlinePath: "/proc/cmdline"}
}

func (b *KernelBoot) CurrentSlot() (string, bool) {
	data, err := os.ReadFile(b.CmdlinePath)
	if err != nil {
		return "", false
	}
	for _, tok := range strings.Fields(string(data)) {
		if root, ok := strings.CutPrefix(tok, "root="); ok && root != "" {
			return root, true
		}
	}
	return "", false
}
