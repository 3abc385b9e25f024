package fat

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/afero"
)

// buildSource fills an in-memory source file system for a build to read
// from.
func buildSource(t *testing.T, files map[string]string) afero.Fs {
	t.Helper()
	src := afero.NewMemMapFs()
	for path, content := range files {
		if err := afero.WriteFile(src, path, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
	return src
}

func tempImage(t *testing.T) *os.File {
	t.Helper()
	f, err := os.Create(filepath.Join(t.TempDir(), "disk.img"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { f.Close() })
	return f
}

func TestCreateHelloScenario(t *testing.T) {
	t.Parallel()

	src := buildSource(t, map[string]string{"a/b.txt": "hello"})
	img := tempImage(t)
	if err := Create(img, src, []FileMapping{
		{HostPath: "a/b.txt", ImagePath: "dir1/b.txt"},
	}); err != nil {
		t.Fatal(err)
	}

	fi, err := img.Stat()
	if err != nil {
		t.Fatal(err)
	}
	if got, want := fi.Size(), int64(DefaultPlainSize); got != want {
		t.Errorf("unexpected image size: got %d, want %d", got, want)
	}

	got, err := Extract(img, "dir1/b.txt")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello" {
		t.Errorf("unexpected extracted content: got %q, want %q", got, "hello")
	}

	var buf bytes.Buffer
	if err := Examine(img, &buf); err != nil {
		t.Fatal(err)
	}
	want := "DIR1 0 bytes (DIR)\n" +
		"    Contents of DIR1:\n" +
		"      B.TXT 5 bytes (FILE)\n" +
		"        Content: \"hello\"\n"
	if diff := cmp.Diff(want, buf.String()); diff != "" {
		t.Errorf("unexpected examine output: diff (-want +got):\n%s", diff)
	}
}

func TestCreateEmptyImage(t *testing.T) {
	t.Parallel()

	img := tempImage(t)
	if err := Create(img, afero.NewMemMapFs(), nil); err != nil {
		t.Fatal(err)
	}

	fi, err := img.Stat()
	if err != nil {
		t.Fatal(err)
	}
	if got, want := fi.Size(), int64(DefaultPlainSize); got != want {
		t.Errorf("unexpected image size: got %d, want %d", got, want)
	}

	parsed, err := Open(img)
	if err != nil {
		t.Fatal(err)
	}
	if parsed.Geometry.Variant != Fat16 {
		t.Errorf("unexpected variant: got %v, want Fat16", parsed.Geometry.Variant)
	}
	entries, err := parsed.Root()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("unexpected root entries in empty image: %v", entries)
	}

	var buf bytes.Buffer
	if err := Examine(img, &buf); err != nil {
		t.Fatal(err)
	}
	if buf.Len() != 0 {
		t.Errorf("unexpected examine output for empty image: %q", buf.String())
	}
}

func TestCreateZeroByteFile(t *testing.T) {
	t.Parallel()

	src := buildSource(t, map[string]string{"empty": ""})
	img := tempImage(t)
	if err := Create(img, src, []FileMapping{
		{HostPath: "empty", ImagePath: "empty.txt"},
	}); err != nil {
		t.Fatal(err)
	}

	parsed, err := Open(img)
	if err != nil {
		t.Fatal(err)
	}
	entries, err := parsed.Root()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("unexpected root entries: %v", entries)
	}
	if entries[0].FirstCluster != 0 {
		t.Errorf("zero byte file has first cluster %d, want 0", entries[0].FirstCluster)
	}
	if entries[0].Size != 0 {
		t.Errorf("zero byte file has size %d, want 0", entries[0].Size)
	}

	got, err := Extract(img, "empty.txt")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("unexpected content for zero byte file: %q", got)
	}
}

func TestCreateDeduplicatesPrefixes(t *testing.T) {
	t.Parallel()

	src := buildSource(t, map[string]string{
		"1": "one", "2": "two", "3": "three",
	})
	img := tempImage(t)
	if err := Create(img, src, []FileMapping{
		{HostPath: "1", ImagePath: "nested/x/1.txt"},
		{HostPath: "2", ImagePath: "nested/x/2.txt"},
		{HostPath: "3", ImagePath: "nested/y/3.txt"},
	}); err != nil {
		t.Fatal(err)
	}

	parsed, err := Open(img)
	if err != nil {
		t.Fatal(err)
	}
	root, err := parsed.Root()
	if err != nil {
		t.Fatal(err)
	}
	if len(root) != 1 || root[0].Name != "NESTED" || !root[0].IsDir() {
		t.Fatalf("unexpected root entries: %v", root)
	}
	nested, err := parsed.ReadDir(root[0])
	if err != nil {
		t.Fatal(err)
	}
	if len(nested) != 2 {
		t.Fatalf("unexpected entries below NESTED: %v", nested)
	}
	x, err := parsed.ReadDir(nested[0])
	if err != nil {
		t.Fatal(err)
	}
	if len(x) != 2 {
		t.Fatalf("unexpected entries below X: %v", x)
	}
}

func TestCreateDeterministic(t *testing.T) {
	t.Parallel()

	src := buildSource(t, map[string]string{
		"a": "first file",
		"b": strings.Repeat("pattern", 1000),
		"c": "",
	})
	mappings := []FileMapping{
		{HostPath: "a", ImagePath: "boot/config.txt"},
		{HostPath: "b", ImagePath: "boot/kernel8.img"},
		{HostPath: "c", ImagePath: "cmdline.txt"},
	}

	first, second := tempImage(t), tempImage(t)
	if err := Create(first, src, mappings); err != nil {
		t.Fatal(err)
	}
	if err := Create(second, src, mappings); err != nil {
		t.Fatal(err)
	}

	b1, err := os.ReadFile(first.Name())
	if err != nil {
		t.Fatal(err)
	}
	b2, err := os.ReadFile(second.Name())
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(b1, b2) {
		t.Fatalf("two builds from identical mappings differ")
	}
}

func TestChainIntegrity(t *testing.T) {
	t.Parallel()

	files := map[string]string{
		"zero":  "",
		"one":   "x",
		"exact": strings.Repeat("a", 512),
		"spill": strings.Repeat("b", 513),
		"two":   strings.Repeat("c", 1024),
		"big":   strings.Repeat("d", 5000),
	}
	src := buildSource(t, files)
	var mappings []FileMapping
	for _, name := range []string{"zero", "one", "exact", "spill", "two", "big"} {
		mappings = append(mappings, FileMapping{HostPath: name, ImagePath: "data/" + name + ".bin"})
	}

	img := tempImage(t)
	if err := Create(img, src, mappings); err != nil {
		t.Fatal(err)
	}
	parsed, err := Open(img)
	if err != nil {
		t.Fatal(err)
	}
	root, err := parsed.Root()
	if err != nil {
		t.Fatal(err)
	}
	data, err := parsed.ReadDir(root[0])
	if err != nil {
		t.Fatal(err)
	}

	clusterSize := parsed.Geometry.ClusterSize()
	seen := make(map[uint32]string)
	for _, e := range data {
		if e.Size == 0 {
			if e.FirstCluster != 0 {
				t.Errorf("%s: zero byte file has first cluster %d", e.Name, e.FirstCluster)
			}
			continue
		}
		chain, err := parsed.Chain(e.FirstCluster)
		if err != nil {
			t.Fatalf("%s: %v", e.Name, err)
		}
		want := (int64(e.Size) + clusterSize - 1) / clusterSize
		if int64(len(chain)) != want {
			t.Errorf("%s: chain visits %d clusters, want %d", e.Name, len(chain), want)
		}
		for _, cluster := range chain {
			if owner, ok := seen[cluster]; ok {
				t.Errorf("cluster %d in both %s and %s", cluster, owner, e.Name)
			}
			seen[cluster] = e.Name
		}
	}
}

func TestRootDirectoryFull(t *testing.T) {
	t.Parallel()

	src := afero.NewMemMapFs()
	var mappings []FileMapping
	// One more file than the fixed FAT16 root can hold.
	for i := 0; i < 513; i++ {
		name := fmt.Sprintf("f%03d.txt", i)
		if err := afero.WriteFile(src, name, []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
		mappings = append(mappings, FileMapping{HostPath: name, ImagePath: name})
	}

	img := tempImage(t)
	err := Create(img, src, mappings)
	if err == nil || !strings.Contains(err.Error(), "root directory full") {
		t.Fatalf("unexpected error: got %v, want root directory full", err)
	}
}

func TestDirectoryGrowth(t *testing.T) {
	t.Parallel()

	src := afero.NewMemMapFs()
	var mappings []FileMapping
	// 40 entries plus "." and ".." span three 512 byte clusters at 16
	// records each.
	for i := 0; i < 40; i++ {
		name := fmt.Sprintf("f%02d.txt", i)
		if err := afero.WriteFile(src, name, []byte(name), 0644); err != nil {
			t.Fatal(err)
		}
		mappings = append(mappings, FileMapping{HostPath: name, ImagePath: "sub/" + name})
	}

	img := tempImage(t)
	if err := Create(img, src, mappings); err != nil {
		t.Fatal(err)
	}
	parsed, err := Open(img)
	if err != nil {
		t.Fatal(err)
	}
	root, err := parsed.Root()
	if err != nil {
		t.Fatal(err)
	}
	if len(root) != 1 {
		t.Fatalf("unexpected root entries: %v", root)
	}
	chain, err := parsed.Chain(root[0].FirstCluster)
	if err != nil {
		t.Fatal(err)
	}
	if len(chain) != 3 {
		t.Errorf("directory chain has %d clusters, want 3", len(chain))
	}
	entries, err := parsed.ReadDir(root[0])
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 40 {
		t.Fatalf("unexpected entry count: got %d, want 40", len(entries))
	}

	for _, name := range []string{"f00.txt", "f39.txt"} {
		got, err := Extract(img, "sub/"+name)
		if err != nil {
			t.Fatal(err)
		}
		if string(got) != name {
			t.Errorf("unexpected content for %s: %q", name, got)
		}
	}
}

func TestCreateRejectsConflicts(t *testing.T) {
	t.Parallel()

	for _, entry := range []struct {
		name     string
		mappings []FileMapping
		want     string
	}{
		{
			name: "duplicate path",
			mappings: []FileMapping{
				{HostPath: "a", ImagePath: "same.txt"},
				{HostPath: "b", ImagePath: "same.txt"},
			},
			want: "already exists",
		},
		{
			name: "file shadows directory",
			mappings: []FileMapping{
				{HostPath: "a", ImagePath: "x"},
				{HostPath: "b", ImagePath: "x/b.txt"},
			},
			want: "identifies a file",
		},
		{
			name: "case collision",
			mappings: []FileMapping{
				{HostPath: "a", ImagePath: "same.txt"},
				{HostPath: "b", ImagePath: "SAME.TXT"},
			},
			want: "already exists",
		},
		{
			name: "short name collision",
			mappings: []FileMapping{
				{HostPath: "a", ImagePath: "verylongname1.txt"},
				{HostPath: "b", ImagePath: "verylongname2.txt"},
			},
			want: "already exists",
		},
		{
			name: "empty path",
			mappings: []FileMapping{
				{HostPath: "a", ImagePath: ""},
			},
			want: "does not name a file",
		},
		{
			name: "trailing slash",
			mappings: []FileMapping{
				{HostPath: "a", ImagePath: "dir/"},
			},
			want: "does not name a file",
		},
		{
			name: "parent escape",
			mappings: []FileMapping{
				{HostPath: "a", ImagePath: "../evil"},
			},
			want: "escapes the root",
		},
	} {
		entry := entry // copy
		t.Run(entry.name, func(t *testing.T) {
			t.Parallel()
			src := buildSource(t, map[string]string{"a": "a", "b": "b"})
			img := tempImage(t)
			err := Create(img, src, entry.mappings)
			if err == nil || !strings.Contains(err.Error(), entry.want) {
				t.Fatalf("unexpected error: got %v, want substring %q", err, entry.want)
			}
		})
	}
}

func TestCreateLeadingDotName(t *testing.T) {
	t.Parallel()

	src := buildSource(t, map[string]string{"h": "secret"})
	img := tempImage(t)
	if err := Create(img, src, []FileMapping{
		{HostPath: "h", ImagePath: "conf/.hidden"},
	}); err != nil {
		t.Fatal(err)
	}

	got, err := Extract(img, "conf/.hidden")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "secret" {
		t.Errorf("unexpected extracted content: got %q, want %q", got, "secret")
	}

	// The leading-dot file is listed; the synthetic dot entries in the
	// same directory are not.
	parsed, err := Open(img)
	if err != nil {
		t.Fatal(err)
	}
	root, err := parsed.Root()
	if err != nil {
		t.Fatal(err)
	}
	entries, err := parsed.ReadDir(root[0])
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name != ".HIDDEN" {
		t.Fatalf("unexpected directory entries: %v", entries)
	}
}

func TestCreateMergesDirectoryCase(t *testing.T) {
	t.Parallel()

	src := buildSource(t, map[string]string{"a": "one", "b": "two"})
	img := tempImage(t)
	if err := Create(img, src, []FileMapping{
		{HostPath: "a", ImagePath: "boot/one.txt"},
		{HostPath: "b", ImagePath: "BOOT/two.txt"},
	}); err != nil {
		t.Fatal(err)
	}

	parsed, err := Open(img)
	if err != nil {
		t.Fatal(err)
	}
	root, err := parsed.Root()
	if err != nil {
		t.Fatal(err)
	}
	if len(root) != 1 || root[0].Name != "BOOT" {
		t.Fatalf("differently-cased prefixes not merged: %v", root)
	}
	entries, err := parsed.ReadDir(root[0])
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("unexpected entries below BOOT: %v", entries)
	}
	got, err := Extract(img, "boot/two.txt")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "two" {
		t.Errorf("unexpected extracted content: got %q, want %q", got, "two")
	}
}

func TestCreateMissingSource(t *testing.T) {
	t.Parallel()

	img := tempImage(t)
	err := Create(img, afero.NewMemMapFs(), []FileMapping{
		{HostPath: "nope", ImagePath: "nope.txt"},
	})
	if err == nil || !strings.Contains(err.Error(), "cannot read source") {
		t.Fatalf("unexpected error: got %v, want cannot read source", err)
	}
}

func TestBuildFat32Working(t *testing.T) {
	t.Parallel()

	src := buildSource(t, map[string]string{"a/b.txt": "hello"})
	img := tempImage(t)
	if _, err := Build(img, src, []FileMapping{
		{HostPath: "a/b.txt", ImagePath: "dir1/b.txt"},
	}, Fat32, DefaultWorkingSize); err != nil {
		t.Fatal(err)
	}

	parsed, err := Open(img)
	if err != nil {
		t.Fatal(err)
	}
	if parsed.Geometry.Variant != Fat32 {
		t.Fatalf("unexpected variant: got %v, want Fat32", parsed.Geometry.Variant)
	}
	if got, want := parsed.Geometry.TotalSectors, uint32(65536); got != want {
		t.Errorf("unexpected total sectors: got %d, want %d", got, want)
	}

	got, err := Extract(img, "dir1/b.txt")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello" {
		t.Errorf("unexpected extracted content: %q", got)
	}

	// The backup boot sector is a byte-identical copy of sector 0.
	primary := make([]byte, 512)
	backup := make([]byte, 512)
	if _, err := img.ReadAt(primary, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := img.ReadAt(backup, 6*512); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(primary, backup) {
		t.Errorf("backup boot sector differs from primary")
	}

	// FSInfo: three clusters in use (root, dir1, b.txt).
	fsInfo := make([]byte, 512)
	if _, err := img.ReadAt(fsInfo, 1*512); err != nil {
		t.Fatal(err)
	}
	if got := binary.LittleEndian.Uint32(fsInfo[0:4]); got != 0x41615252 {
		t.Errorf("unexpected FSInfo lead signature: %#x", got)
	}
	if got, want := binary.LittleEndian.Uint32(fsInfo[488:492]), uint32(64488-3); got != want {
		t.Errorf("unexpected FSInfo free count: got %d, want %d", got, want)
	}
	if got, want := binary.LittleEndian.Uint32(fsInfo[492:496]), uint32(5); got != want {
		t.Errorf("unexpected FSInfo next free hint: got %d, want %d", got, want)
	}
}
