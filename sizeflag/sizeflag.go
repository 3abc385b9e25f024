// Package sizeflag registers the flags that override the built-in image
// sizes, with MKIMG_PLAIN_SIZE and MKIMG_WORKING_SIZE as environment
// fallbacks.
package sizeflag

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/pflag"

	"github.com/fwtest/mkimg/fat"
)

var (
	plain   = os.Getenv("MKIMG_PLAIN_SIZE")
	working = os.Getenv("MKIMG_WORKING_SIZE")
)

func parseSize(s string) (int64, error) {
	ss := strings.TrimSpace(strings.ToLower(s))
	if ss == "" {
		return 0, fmt.Errorf("empty size")
	}
	mult := int64(1)
	switch {
	case strings.HasSuffix(ss, "k"):
		mult = 1024
		ss = strings.TrimSuffix(ss, "k")
	case strings.HasSuffix(ss, "m"):
		mult = 1024 * 1024
		ss = strings.TrimSuffix(ss, "m")
	case strings.HasSuffix(ss, "g"):
		mult = 1024 * 1024 * 1024
		ss = strings.TrimSuffix(ss, "g")
	}
	v, err := strconv.ParseFloat(ss, 64)
	if err != nil {
		return 0, err
	}
	n := int64(v * float64(mult))
	if n <= 0 {
		return 0, fmt.Errorf("size must be positive")
	}
	return n, nil
}

func RegisterPflags(fs *pflag.FlagSet) {
	fs.StringVar(&plain,
		"plain-size",
		plain,
		`size of plain images, e.g. 6m (empty selects the built-in default)`)

	fs.StringVar(&working,
		"working-size",
		working,
		`working size for deceptive images, e.g. 32m (empty selects the built-in default)`)
}

func SetPlain(s string) {
	plain = s
}

func SetWorking(s string) {
	working = s
}

// Plain returns the target size in bytes for plain images.
func Plain() (int64, error) {
	if plain == "" {
		return fat.DefaultPlainSize, nil
	}
	n, err := parseSize(plain)
	if err != nil {
		return 0, fmt.Errorf("invalid plain image size %q: %v", plain, err)
	}
	return n, nil
}

// Working returns the target size in bytes at which deceptive images
// are built before truncation.
func Working() (int64, error) {
	if working == "" {
		return fat.DefaultWorkingSize, nil
	}
	n, err := parseSize(working)
	if err != nil {
		return 0, fmt.Errorf("invalid working image size %q: %v", working, err)
	}
	return n, nil
}
