package fat

import (
	"bytes"
	"encoding/binary"
	"strings"
	"testing"

	"github.com/spf13/afero"
)

func TestCreateDeceptive(t *testing.T) {
	t.Parallel()

	src := buildSource(t, map[string]string{"a/b.txt": "hello"})
	img := tempImage(t)
	if err := CreateDeceptive(img, src, []FileMapping{
		{HostPath: "a/b.txt", ImagePath: "dir1/b.txt"},
	}); err != nil {
		t.Fatal(err)
	}

	// Three clusters in use (root, dir1, b.txt), so the content ends
	// 3 clusters past the data offset.
	const contentEnd = 536576 + 3*512
	fi, err := img.Stat()
	if err != nil {
		t.Fatal(err)
	}
	if got := fi.Size(); got != contentEnd {
		t.Errorf("unexpected physical size: got %d, want %d", got, contentEnd)
	}

	// Declared total: 1.5x the content, rounded up to whole sectors.
	const declared = 1577
	boot := make([]byte, 512)
	if _, err := img.ReadAt(boot, 0); err != nil {
		t.Fatal(err)
	}
	if got := binary.LittleEndian.Uint32(boot[0x20:0x24]); got != declared {
		t.Errorf("unexpected declared total sectors: got %d, want %d", got, declared)
	}
	if got, limit := int64(declared)*512, fi.Size(); got <= limit {
		t.Errorf("declared size %d not larger than physical size %d", got, limit)
	}

	// The backup boot sector tells the same story.
	backup := make([]byte, 512)
	if _, err := img.ReadAt(backup, 6*512); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(boot, backup) {
		t.Errorf("backup boot sector differs from primary after deception")
	}

	// FSInfo free count is consistent with the declared geometry: 529
	// clusters implied, 3 in use.
	fsInfo := make([]byte, 512)
	if _, err := img.ReadAt(fsInfo, 1*512); err != nil {
		t.Fatal(err)
	}
	if got, want := binary.LittleEndian.Uint32(fsInfo[488:492]), uint32(529-3); got != want {
		t.Errorf("unexpected FSInfo free count: got %d, want %d", got, want)
	}
	backupFSInfo := make([]byte, 512)
	if _, err := img.ReadAt(backupFSInfo, 7*512); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(fsInfo, backupFSInfo) {
		t.Errorf("backup FSInfo sector differs from primary after deception")
	}

	// The shrunken image still opens and reads back everything that was
	// written. Variant detection must not be fooled by the small
	// declared total.
	parsed, err := Open(img)
	if err != nil {
		t.Fatal(err)
	}
	if parsed.Geometry.Variant != Fat32 {
		t.Errorf("unexpected variant: got %v, want Fat32", parsed.Geometry.Variant)
	}
	if got := parsed.Geometry.TotalSectors; got != declared {
		t.Errorf("unexpected parsed total sectors: got %d, want %d", got, declared)
	}
	got, err := Extract(img, "dir1/b.txt")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello" {
		t.Errorf("unexpected extracted content after shrink: %q", got)
	}
	var buf bytes.Buffer
	if err := Examine(img, &buf); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "B.TXT 5 bytes (FILE)") {
		t.Errorf("unexpected examine output after shrink:\n%s", buf.String())
	}
}

func TestCreateDeceptiveEmpty(t *testing.T) {
	t.Parallel()

	img := tempImage(t)
	if err := CreateDeceptive(img, afero.NewMemMapFs(), nil); err != nil {
		t.Fatal(err)
	}

	// Only the root directory cluster is allocated.
	const contentEnd = 536576 + 512
	fi, err := img.Stat()
	if err != nil {
		t.Fatal(err)
	}
	if got := fi.Size(); got != contentEnd {
		t.Errorf("unexpected physical size: got %d, want %d", got, contentEnd)
	}

	boot := make([]byte, 512)
	if _, err := img.ReadAt(boot, 0); err != nil {
		t.Fatal(err)
	}
	if got, want := binary.LittleEndian.Uint32(boot[0x20:0x24]), uint32(1574); got != want {
		t.Errorf("unexpected declared total sectors: got %d, want %d", got, want)
	}

	parsed, err := Open(img)
	if err != nil {
		t.Fatal(err)
	}
	entries, err := parsed.Root()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("unexpected root entries: %v", entries)
	}
}

func TestApplyDeceptiveSizeRejectsFat16(t *testing.T) {
	t.Parallel()

	img := tempImage(t)
	if err := Create(img, afero.NewMemMapFs(), nil); err != nil {
		t.Fatal(err)
	}
	err := ApplyDeceptiveSize(img, DefaultPlainSize)
	if err == nil || !strings.Contains(err.Error(), "not a FAT32 image") {
		t.Fatalf("unexpected error: got %v, want not a FAT32 image", err)
	}
}

func TestApplyDeceptiveSizeRejectsGarbage(t *testing.T) {
	t.Parallel()

	img := tempImage(t)
	if err := img.Truncate(4096); err != nil {
		t.Fatal(err)
	}
	err := ApplyDeceptiveSize(img, 4096)
	if err == nil || !strings.Contains(err.Error(), "missing boot sector signature") {
		t.Fatalf("unexpected error: got %v, want missing boot sector signature", err)
	}
}

func TestFakeFSInfoFreeCount(t *testing.T) {
	t.Parallel()

	boot := make([]byte, 512)
	binary.LittleEndian.PutUint16(boot[11:13], 512) // bytes per sector
	boot[13] = 1                                    // sectors per cluster
	binary.LittleEndian.PutUint16(boot[14:16], 32)  // reserved
	boot[16] = 2                                    // FAT copies
	binary.LittleEndian.PutUint32(boot[36:40], 508) // FAT size

	for _, entry := range []struct {
		declared uint32
		want     uint32
	}{
		{1577, 529},
		{1048, 0},  // declared covers only the overhead
		{1000, 0},  // declared below the overhead
		{65536, 64488},
	} {
		if got := fakeFSInfoFreeCount(boot, entry.declared); got != entry.want {
			t.Errorf("fakeFSInfoFreeCount(%d): got %d, want %d", entry.declared, got, entry.want)
		}
	}
}
