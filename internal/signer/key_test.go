package signer

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"remit-sync/go-backend/internal/testutil/fsperm"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

func newHexKey(t *testing.T) string {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return hex.EncodeToString(crypto.FromECDSA(key))
}

func TestSealAndLoadKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "signer.key")
	hexKey := newHexKey(t)

	address, err := SealKey(path, "0x"+hexKey, "correct horse")
	require.NoError(t, err)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(string(raw), filePrefix))
	require.NotContains(t, string(raw), hexKey)
	fsperm.AssertPrivateFilePerm(t, path)
	fsperm.AssertPrivateDirPerm(t, filepath.Dir(path))

	peeked, err := PeekAddress(path)
	require.NoError(t, err)
	require.Equal(t, address, peeked)

	key, err := LoadKey(path, "correct horse")
	require.NoError(t, err)
	require.Equal(t, address, crypto.PubkeyToAddress(key.PublicKey))
	require.Equal(t, hexKey, hex.EncodeToString(crypto.FromECDSA(key)))
}

func TestLoadKeyWrongPassphrase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "signer.key")
	_, err := SealKey(path, newHexKey(t), "correct horse")
	require.NoError(t, err)

	_, err = LoadKey(path, "battery staple")
	require.ErrorIs(t, err, ErrAuthFailed)
	_, err = LoadKey(path, "")
	require.ErrorIs(t, err, ErrNoPassword)
}

func TestLoadKeyRejectsTamperedAddress(t *testing.T) {
	path := filepath.Join(t.TempDir(), "signer.key")
	address, err := SealKey(path, newHexKey(t), "pw")
	require.NoError(t, err)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	other := strings.Replace(string(raw), address.Hex(), "0x000000000000000000000000000000000000dEaD", 1)
	require.NoError(t, os.WriteFile(path, []byte(other), 0o600))

	_, err = LoadKey(path, "pw")
	require.ErrorIs(t, err, ErrAuthFailed)
}

func TestInvalidInputs(t *testing.T) {
	dir := t.TempDir()
	_, err := SealKey(filepath.Join(dir, "a.key"), "not-hex", "pw")
	require.Error(t, err)

	_, err = SealKey(filepath.Join(dir, "b.key"), newHexKey(t), "")
	require.ErrorIs(t, err, ErrNoPassword)

	plain := filepath.Join(dir, "plain.key")
	require.NoError(t, os.WriteFile(plain, []byte(newHexKey(t)), 0o600))
	_, err = LoadKey(plain, "pw")
	require.ErrorIs(t, err, ErrInvalid)
	_, err = PeekAddress(plain)
	require.ErrorIs(t, err, ErrInvalid)
}
