package daemon

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"os"
	"strings"

	"remit-sync/go-backend/internal/bootstrap/ledgerconfig"
	"remit-sync/go-backend/internal/signer"
)

const (
	signerPassphraseEnv     = "REMIT_SIGNER_PASSPHRASE"
	signerPassphraseFileEnv = "REMIT_SIGNER_PASSPHRASE_FILE"
	environmentEnv          = "REMIT_ENV"
)

var (
	ErrSignerPassphraseRequired = errors.New("signer passphrase is required")
	ErrInsecurePassphraseFile   = errors.New("signer passphrase file must not be readable by group or others in production")
	ErrMockInProduction         = errors.New("mock ledger transport is forbidden in production")
)

// SignerPassphrase reads the key passphrase from the environment, or from the
// file named by REMIT_SIGNER_PASSPHRASE_FILE.
func SignerPassphrase() (string, error) {
	if secret := strings.TrimSpace(os.Getenv(signerPassphraseEnv)); secret != "" {
		return secret, nil
	}
	path := strings.TrimSpace(os.Getenv(signerPassphraseFileEnv))
	if path == "" {
		return "", fmt.Errorf("%w: set %s or %s", ErrSignerPassphraseRequired, signerPassphraseEnv, signerPassphraseFileEnv)
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	if isProductionEnv() && info.Mode().Perm()&0o077 != 0 {
		return "", fmt.Errorf("%w: %s has mode %v", ErrInsecurePassphraseFile, path, info.Mode().Perm())
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	secret := strings.TrimSpace(string(raw))
	if secret == "" {
		return "", fmt.Errorf("%w: %s is empty", ErrSignerPassphraseRequired, path)
	}
	return secret, nil
}

// LoadSigner opens the sealed signing key. Without a key file the daemon
// runs read-only and returns nil.
func LoadSigner(cfg ledgerconfig.LedgerConfig) (*ecdsa.PrivateKey, error) {
	path := strings.TrimSpace(cfg.SignerKeyFile)
	if path == "" {
		return nil, nil
	}
	passphrase, err := SignerPassphrase()
	if err != nil {
		return nil, err
	}
	key, err := signer.LoadKey(path, passphrase)
	if err != nil {
		return nil, fmt.Errorf("load signer key %s: %w", path, err)
	}
	return key, nil
}

func enforceTransportPolicy(transport string) error {
	if transport == ledgerconfig.TransportMock && isProductionEnv() {
		return ErrMockInProduction
	}
	return nil
}

func isProductionEnv() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(environmentEnv))) {
	case "prod", "production":
		return true
	default:
		return false
	}
}
