package virtual

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatSize(t *testing.T) {
	tests := []struct {
		desc string
		size int
	}{
		{"", 0},
		{"B", 1},
		{"BBBB", 4},
		{"H", 2},
		{"L", 4},
		{"6s", 6},
		{"H6sBBBB", 12}, // the identify RPC result layout
		{"LLH", 10},
		{"2H", 4},
		{"16s", 16},
	}

	for _, test := range tests {
		t.Run(test.desc, func(t *testing.T) {
			size, err := formatSize(test.desc)
			require.NoError(t, err)
			assert.Equal(t, test.size, size)
		})
	}
}

func TestFormatSizeRejectsMalformedDescriptors(t *testing.T) {
	for _, desc := range []string{"X", "4", "Bq", "6s3"} {
		t.Run(desc, func(t *testing.T) {
			_, err := formatSize(desc)
			assert.Error(t, err)
		})
	}
}
