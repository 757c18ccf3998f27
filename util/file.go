package util

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// AppendToFile appends every line of content to the file at savePath, creating the file and its
// directory when needed.
func AppendToFile(savePath string, content ...string) error {
	if err := os.MkdirAll(filepath.Dir(savePath), 0o755); err != nil {
		return errors.Wrapf(err, "creating directory of %s", savePath)
	}
	f, err := os.OpenFile(savePath, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		return errors.Wrapf(err, "opening %s", savePath)
	}
	defer f.Close()

	for _, s := range content {
		if _, err = f.WriteString(s + "\n"); err != nil {
			return errors.Wrapf(err, "writing to %s", savePath)
		}
	}
	return nil
}

// WriteFileAtomic writes data to a temporary file next to savePath and renames it into place, so
// that readers never observe a partial file.
func WriteFileAtomic(savePath string, data []byte) error {
	tmp := savePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrapf(err, "writing %s", tmp)
	}
	if err := os.Rename(tmp, savePath); err != nil {
		os.Remove(tmp)
		return errors.Wrapf(err, "renaming %s", tmp)
	}
	return nil
}
