package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConnectionSpecBasic(t *testing.T) {
	scheme, params, err := ParseConnectionSpec("ble:mac=aa:bb:cc:dd:ee:ff;timeout=5s")
	require.NoError(t, err)
	assert.Equal(t, "ble", scheme)
	assert.Equal(t, "aa:bb:cc:dd:ee:ff", params["mac"])
	assert.Equal(t, "5s", params["timeout"])
}

func TestParseConnectionSpecQuotedValueWithSemicolon(t *testing.T) {
	scheme, params, err := ParseConnectionSpec(`ws:url="ws://host/a;b";retries=3`)
	require.NoError(t, err)
	assert.Equal(t, "ws", scheme)
	assert.Equal(t, "ws://host/a;b", params["url"])
	assert.Equal(t, "3", params["retries"])
}

func TestParseConnectionSpecMissingScheme(t *testing.T) {
	_, _, err := ParseConnectionSpec("no-colon-here")
	require.Error(t, err)
}

func TestParseConnectionSpecEmptyParams(t *testing.T) {
	scheme, params, err := ParseConnectionSpec("serial:")
	require.NoError(t, err)
	assert.Equal(t, "serial", scheme)
	assert.Empty(t, params)
}

func TestParseConnectionSpecUnterminatedQuote(t *testing.T) {
	_, _, err := ParseConnectionSpec(`ws:url="ws://unterminated`)
	require.Error(t, err)
}
