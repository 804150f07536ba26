package handler

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/cuongbtq/emr-jobs/internal/worker/domain"
)

// writeFileAtomic writes data next to path and renames it into place
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return domain.NewProcessingError(fmt.Sprintf("failed to create output directory %s: %v", dir, err))
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return domain.NewProcessingError(fmt.Sprintf("failed to create output file: %v", err))
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return domain.NewProcessingError(fmt.Sprintf("failed to write %s: %v", path, err))
	}
	if err := tmp.Close(); err != nil {
		return domain.NewProcessingError(fmt.Sprintf("failed to write %s: %v", path, err))
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return domain.NewProcessingError(fmt.Sprintf("failed to move output into %s: %v", path, err))
	}
	return nil
}
