package registry

import (
	"crypto/sha256"
	"io"
	"os"
)

// ChecksumSize is the byte length of the SHA-256 checksums used throughout
// the registry index.
const ChecksumSize = sha256.Size

// CopyWithChecksum copies from src to dst until EOF or an error, and returns
// the SHA-256 checksum of the copied bytes along with the byte count.
func CopyWithChecksum(dst io.Writer, src io.Reader) ([]byte, int64, error) {
	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(h, dst), src)
	if err != nil {
		return nil, n, err
	}
	return h.Sum(nil), n, nil
}

// ChecksumFile computes the SHA-256 checksum of a file on disk.
func ChecksumFile(path string) ([]byte, error) {
	f, err := os.Open(path) // #nosec G304 - callers pass paths validated by the artifact store
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = f.Close()
	}()

	sum, _, err := CopyWithChecksum(io.Discard, f)
	return sum, err
}
