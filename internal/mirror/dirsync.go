package mirror

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
)

// DirSync calls fsync(2) on the directory to persist directory entries.
//
// This should be called after os.Create, os.Rename and so on.
func DirSync(d string) error {
	cleanPath := filepath.Clean(d)
	if !filepath.IsAbs(cleanPath) && strings.Contains(cleanPath, "..") {
		return errors.New("unsafe directory path: " + d)
	}

	f, err := os.OpenFile(cleanPath, os.O_RDONLY, 0755) // #nosec G304,G302 - path validated above, 0755 needed for directory access
	if err != nil {
		return err
	}
	err = f.Sync()
	if err != nil {
		return err
	}
	return f.Close()
}
