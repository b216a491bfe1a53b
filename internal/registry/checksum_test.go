package registry

import (
	"bytes"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const helloWorldSHA256 = "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"

func TestCopyWithChecksum(t *testing.T) {
	t.Parallel()

	var dst bytes.Buffer
	sum, n, err := CopyWithChecksum(&dst, strings.NewReader("hello world"))
	if err != nil {
		t.Fatal(err)
	}
	if n != 11 {
		t.Errorf("n = %d, want 11", n)
	}
	if dst.String() != "hello world" {
		t.Errorf("dst = %q", dst.String())
	}
	if got := hex.EncodeToString(sum); got != helloWorldSHA256 {
		t.Errorf("sum = %s, want %s", got, helloWorldSHA256)
	}
}

func TestChecksumFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "data")
	if err := os.WriteFile(path, []byte("hello world"), 0644); err != nil {
		t.Fatal(err)
	}

	sum, err := ChecksumFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if got := hex.EncodeToString(sum); got != helloWorldSHA256 {
		t.Errorf("sum = %s, want %s", got, helloWorldSHA256)
	}
}

func TestChecksumFileMissing(t *testing.T) {
	t.Parallel()

	if _, err := ChecksumFile(filepath.Join(t.TempDir(), "absent")); err == nil {
		t.Error("expected an error for a missing file")
	}
}
