package signer

import (
	"crypto/ecdsa"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// SealKey encrypts a hex private key and writes it to path.
func SealKey(path, hexKey, passphrase string) (common.Address, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return common.Address{}, fmt.Errorf("parse private key: %w", err)
	}
	address := crypto.PubkeyToAddress(key.PublicKey)
	plaintext := crypto.FromECDSA(key)
	defer zeroBytes(plaintext)

	sealed, err := seal(passphrase, address.Hex(), plaintext)
	if err != nil {
		return common.Address{}, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return common.Address{}, err
	}
	if err := os.WriteFile(path, sealed, 0o600); err != nil {
		return common.Address{}, err
	}
	return address, nil
}

// PeekAddress returns the account a sealed key file belongs to without
// decrypting it.
func PeekAddress(path string) (common.Address, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return common.Address{}, err
	}
	env, err := parseEnvelope(raw)
	if err != nil {
		return common.Address{}, err
	}
	if !common.IsHexAddress(env.Address) {
		return common.Address{}, ErrInvalid
	}
	return common.HexToAddress(env.Address), nil
}

// LoadKey decrypts the key file at path and checks it matches the recorded address.
func LoadKey(path, passphrase string) (*ecdsa.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	env, err := parseEnvelope(raw)
	if err != nil {
		return nil, err
	}
	plaintext, err := open(passphrase, env)
	if err != nil {
		return nil, err
	}
	defer zeroBytes(plaintext)

	key, err := crypto.ToECDSA(plaintext)
	if err != nil {
		return nil, ErrInvalid
	}
	if crypto.PubkeyToAddress(key.PublicKey) != common.HexToAddress(env.Address) {
		return nil, ErrInvalid
	}
	return key, nil
}
