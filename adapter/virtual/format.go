package virtual

import (
	"strconv"
	"strings"

	"github.com/tilegw/gateway/gwerr"
)

// formatSize computes the byte length a format descriptor implies: a string of type tokens where 'B' is one byte, 'H' is a
// little-endian uint16 (2 bytes), 'L' is a little-endian uint32 (4 bytes),
// and '<N>s' is a fixed N-byte raw string. A bare letter with no leading
// digit group means one instance of that type, matching the example
// "H6sBBBB" (one u16, a 6-byte string, four separate u8s).
func formatSize(desc string) (int, error) {
	if desc == "" {
		return 0, nil
	}

	total := 0
	var digits strings.Builder

	for _, r := range desc {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
			continue
		}

		count := 1
		if digits.Len() > 0 {
			n, err := strconv.Atoi(digits.String())
			if err != nil {
				return 0, gwerr.New(gwerr.KindBadArgument, "invalid digit group in format descriptor", nil)
			}
			count = n
			digits.Reset()
		}

		switch r {
		case 's':
			total += count
		case 'B':
			total += count
		case 'H':
			total += count * 2
		case 'L':
			total += count * 4
		default:
			return 0, gwerr.New(gwerr.KindBadArgument, "unknown format token '"+string(r)+"'", nil)
		}
	}

	if digits.Len() > 0 {
		return 0, gwerr.New(gwerr.KindBadArgument, "format descriptor ends with a dangling digit group", nil)
	}

	return total, nil
}
