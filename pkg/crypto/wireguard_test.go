package crypto

import (
	"bytes"
	"encoding/base64"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateKeyPairAndDerive(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	assert.True(t, IsValidWireGuardKey(kp.PrivateKey))
	assert.True(t, IsValidWireGuardKey(kp.PublicKey))

	derived, err := DerivePublicKey(kp.PrivateKey)
	require.NoError(t, err)
	assert.Equal(t, kp.PublicKey, derived)
}

func TestGenerator_DeterministicEntropy(t *testing.T) {
	seed := bytes.Repeat([]byte{7}, KeySize)

	a, err := (&Generator{Entropy: bytes.NewReader(seed)}).GenerateKeyPair()
	require.NoError(t, err)
	b, err := (&Generator{Entropy: bytes.NewReader(seed)}).GenerateKeyPair()
	require.NoError(t, err)

	assert.Equal(t, a, b)

	raw, err := base64.StdEncoding.DecodeString(a.PrivateKey)
	require.NoError(t, err)
	assert.Equal(t, byte(0), raw[0]&7, "low bits must be clamped")
	assert.Equal(t, byte(64), raw[31]&192, "high bits must be clamped")
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("entropy unavailable") }

func TestGenerator_EntropyFailure(t *testing.T) {
	_, err := (&Generator{Entropy: failingReader{}}).GenerateKeyPair()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "entropy unavailable")

	_, err = (&Generator{Entropy: bytes.NewReader([]byte{1, 2, 3})}).GenerateKeyPair()
	require.Error(t, err, "short entropy must fail")
}

func TestDerivePublicKey_Errors(t *testing.T) {
	_, err := DerivePublicKey("not-base64!!")
	assert.Error(t, err)

	_, err = DerivePublicKey(base64.StdEncoding.EncodeToString(make([]byte, 31)))
	assert.Error(t, err)
}

func TestIsValidWireGuardKey_Cases(t *testing.T) {
	valid := base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{1}, 32))

	tests := []struct {
		name string
		key  string
		want bool
	}{
		{"valid", valid, true},
		{"empty", "", false},
		{"too short", valid[:43], false},
		{"shell metacharacters", "$(reboot)" + valid[9:], false},
		{"spaces", " " + valid[1:], false},
		{"wrong decoded length", base64.StdEncoding.EncodeToString(make([]byte, 33))[:44], false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsValidWireGuardKey(tt.key))
		})
	}
}
