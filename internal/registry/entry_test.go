package registry

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"testing"
)

func TestIndexEntryJSON(t *testing.T) {
	t.Parallel()

	sum := bytes.Repeat([]byte{0xab}, ChecksumSize)
	entry := NewIndexEntry("serde", "1.0.200", sum, []Dependency{
		{Name: "serde_derive", Req: "^1.0"},
	})
	entry.SetYanked(true)
	entry.SetRevision("abc123")

	data, err := json.Marshal(entry)
	if err != nil {
		t.Fatal(err)
	}

	var decoded IndexEntry
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}

	if decoded.Name() != "serde" || decoded.Version() != "1.0.200" {
		t.Errorf("decoded %s/%s, want serde/1.0.200", decoded.Name(), decoded.Version())
	}
	if !bytes.Equal(decoded.Checksum(), sum) {
		t.Error("checksum did not survive the round trip")
	}
	if !decoded.Yanked() {
		t.Error("yanked flag lost")
	}
	if decoded.Revision() != "abc123" {
		t.Errorf("revision = %q, want abc123", decoded.Revision())
	}
	deps := decoded.Deps()
	if len(deps) != 1 || deps[0].Name != "serde_derive" || deps[0].Req != "^1.0" {
		t.Errorf("deps = %v", deps)
	}
}

func TestIndexEntryMarshalUsesHexChecksum(t *testing.T) {
	t.Parallel()

	sum := bytes.Repeat([]byte{0x01}, ChecksumSize)
	entry := NewIndexEntry("foo", "1.0.0", sum, nil)

	data, err := json.Marshal(entry)
	if err != nil {
		t.Fatal(err)
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatal(err)
	}
	if raw["cksum"] != hex.EncodeToString(sum) {
		t.Errorf("cksum = %v, want lowercase hex", raw["cksum"])
	}
	if _, ok := raw["yanked"]; ok {
		t.Error("false yanked flag must be omitted")
	}
}

func TestIndexEntryUnmarshalErrors(t *testing.T) {
	t.Parallel()

	goodSum := hex.EncodeToString(bytes.Repeat([]byte{0x01}, ChecksumSize))
	testCases := []struct {
		name string
		doc  string
	}{
		{"missing name", `{"vers":"1.0.0","cksum":"` + goodSum + `"}`},
		{"missing version", `{"name":"foo","cksum":"` + goodSum + `"}`},
		{"bad hex", `{"name":"foo","vers":"1.0.0","cksum":"zz"}`},
		{"short checksum", `{"name":"foo","vers":"1.0.0","cksum":"abcd"}`},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			var entry IndexEntry
			if err := json.Unmarshal([]byte(tc.doc), &entry); err == nil {
				t.Error("expected an unmarshal error")
			}
		})
	}
}

func TestIndexEntryKeyAndFilename(t *testing.T) {
	t.Parallel()

	sum := make([]byte, ChecksumSize)
	entry := NewIndexEntry("tokio", "1.38.0", sum, nil)

	if got := entry.Key(); got != "tokio/1.38.0" {
		t.Errorf("Key = %q", got)
	}
	if got := entry.Filename(); got != "tokio-1.38.0.crate" {
		t.Errorf("Filename = %q", got)
	}
	if got := ArtifactFilename("tokio", "1.38.0"); got != "tokio-1.38.0.crate" {
		t.Errorf("ArtifactFilename = %q", got)
	}
}

func TestIndexEntrySame(t *testing.T) {
	t.Parallel()

	sumA := bytes.Repeat([]byte{0x01}, ChecksumSize)
	sumB := bytes.Repeat([]byte{0x02}, ChecksumSize)

	a := NewIndexEntry("foo", "1.0.0", sumA, nil)
	if !a.Same(a) {
		t.Error("an entry must equal itself")
	}
	if !a.Same(NewIndexEntry("foo", "1.0.0", sumA, nil)) {
		t.Error("entries with equal identity and checksum must be the same")
	}
	if a.Same(NewIndexEntry("foo", "1.0.0", sumB, nil)) {
		t.Error("different checksums must not compare the same")
	}
	if a.Same(NewIndexEntry("foo", "1.0.1", sumA, nil)) {
		t.Error("different versions must not compare the same")
	}
	if a.Same(NewIndexEntry("bar", "1.0.0", sumA, nil)) {
		t.Error("different names must not compare the same")
	}
}
