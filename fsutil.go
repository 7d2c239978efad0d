package ledgerwal

import (
	"io/fs"
	"os"
)

// createDirectoryIfNotExist creates d (and any missing parents) with perm
// if it doesn't already exist.
func createDirectoryIfNotExist(d string, perm fs.FileMode) error {
	if _, err := os.Stat(d); os.IsNotExist(err) {
		return os.MkdirAll(d, perm)
	}
	return nil
}
