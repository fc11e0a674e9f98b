// Package auth provides the AuthProvider contract used by the SignedReport
// codec to resolve signing/verification/encryption keys, and
// a default provider that derives per-(device_id, key_type) subkeys from a
// single master key via HKDF rather than using one key for everything.
package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"sync"

	"golang.org/x/crypto/hkdf"

	"github.com/tilegw/gateway/gwerr"
	"github.com/tilegw/gateway/tile"
)

// Purpose distinguishes why a key is being requested; an AuthProvider may
// return different keys (or refuse) depending on purpose, e.g. a read-only
// provider that can verify but not sign.
type Purpose string

const (
	PurposeSign    Purpose = "sign"
	PurposeVerify  Purpose = "verify"
	PurposeEncrypt Purpose = "encrypt"
	PurposeDecrypt Purpose = "decrypt"
)

// Provider resolves a key for a given device, key class, and purpose.
// Missing keys are reported with gwerr.ErrKeyUnavailable so callers can
// fall back to treating the report as verified-but-unauthenticated, per
// policy.
type Provider interface {
	GetKey(deviceID tile.DeviceID, keyType tile.KeyType, purpose Purpose) ([]byte, error)
}

// Chain composes multiple Providers; the first to return a key (nil error)
// wins.
type Chain []Provider

func (c Chain) GetKey(deviceID tile.DeviceID, keyType tile.KeyType, purpose Purpose) ([]byte, error) {
	for _, p := range c {
		if key, err := p.GetKey(deviceID, keyType, purpose); err == nil {
			return key, nil
		}
	}
	return nil, gwerr.ErrKeyUnavailable
}

// StaticProvider returns the same fixed key for every request, mostly
// useful in tests and for the BroadcastKey case where one key really is
// shared across every device.
type StaticProvider struct {
	Key []byte
}

func (s StaticProvider) GetKey(tile.DeviceID, tile.KeyType, Purpose) ([]byte, error) {
	if len(s.Key) == 0 {
		return nil, gwerr.ErrKeyUnavailable
	}
	return s.Key, nil
}

// EnvMasterKeyProvider derives a distinct 32-byte subkey per
// (device_id, key_type) from a single master key using HKDF-SHA256, so a
// compromise of one device's derived key doesn't expose the master or any
// other device's key. The master key normally comes from the
// IOTILE_SIGNING_KEY environment variable.
type EnvMasterKeyProvider struct {
	master []byte

	mu    sync.Mutex
	cache map[string][]byte
}

// NewEnvMasterKeyProvider reads IOTILE_SIGNING_KEY (hex-encoded) from the
// environment. It returns a Provider that always fails GetKey if the
// variable is unset or malformed, rather than erroring at construction, so
// a gateway with no signing key configured can still start and simply
// produce verified-but-unauthenticated reports.
func NewEnvMasterKeyProvider() *EnvMasterKeyProvider {
	return NewMasterKeyProviderFromHex(os.Getenv("IOTILE_SIGNING_KEY"))
}

// NewMasterKeyProviderFromHex builds a provider from an explicit hex string,
// useful for tests and for callers that source the key from somewhere other
// than the environment (e.g. cmd/gatewayd's interactive prompt).
func NewMasterKeyProviderFromHex(hexKey string) *EnvMasterKeyProvider {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		key = nil
	}
	return &EnvMasterKeyProvider{master: key, cache: make(map[string][]byte)}
}

func (e *EnvMasterKeyProvider) GetKey(deviceID tile.DeviceID, keyType tile.KeyType, _ Purpose) ([]byte, error) {
	if len(e.master) == 0 {
		return nil, gwerr.ErrKeyUnavailable
	}

	cacheKey := deviceID.String() + string(rune('0'+keyType))

	e.mu.Lock()
	defer e.mu.Unlock()
	if key, ok := e.cache[cacheKey]; ok {
		return key, nil
	}

	info := append(deviceID.Bytes(), byte(keyType))
	reader := hkdf.New(sha256.New, e.master, nil, info)
	sub := make([]byte, 32)
	if _, err := io.ReadFull(reader, sub); err != nil {
		return nil, gwerr.Wrap(gwerr.KindKeyUnavailable, err)
	}

	e.cache[cacheKey] = sub
	return sub, nil
}
