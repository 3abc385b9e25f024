package humanize

import "testing"

func TestBytes(t *testing.T) {
	t.Parallel()

	for _, entry := range []struct {
		bytes uint64
		want  string
	}{
		{0, "0 B"},
		{512, "512 B"},
		{537600, "525 KiB"},
		{6 * 1024 * 1024, "6 MiB"},
		{48 * 1024 * 1024, "48 MiB"},
		{2080374784, "1.9 GiB"},
	} {
		entry := entry // copy
		t.Run(entry.want, func(t *testing.T) {
			t.Parallel()
			if got := Bytes(entry.bytes); got != entry.want {
				t.Errorf("Bytes(%d): got %q, want %q", entry.bytes, got, entry.want)
			}
		})
	}
}
