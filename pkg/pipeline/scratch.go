package pipeline

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/Sriram-PR/gallery-archiver/pkg/utils"
)

// resetScratch empties dir, dropping files left behind by an interrupted run
func resetScratch(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("%w: clear scratch dir '%s': %w", utils.ErrFilesystem, dir, err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("%w: create scratch dir '%s': %w", utils.ErrFilesystem, dir, err)
	}
	return nil
}

// scratchPath names the scratch file of the candidate at position index in the batch
func scratchPath(dir string, index int) string {
	return filepath.Join(dir, fmt.Sprintf("candidate-%04d.part", index))
}
