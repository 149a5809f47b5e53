package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"remit-sync/go-backend/internal/signer"
)

func main() {
	var (
		out           = flag.String("out", "", "sealed key output path")
		keyEnv        = flag.String("key-env", "REMIT_SIGNER_HEX_KEY", "env var holding the hex private key")
		passphraseEnv = flag.String("passphrase-env", "REMIT_SIGNER_PASSPHRASE", "env var holding the sealing passphrase")
		peek          = flag.String("peek", "", "print the account of an existing sealed key and exit")
	)
	flag.Parse()

	if strings.TrimSpace(*peek) != "" {
		address, err := signer.PeekAddress(*peek)
		if err != nil {
			fail(err.Error())
		}
		fmt.Println(address.Hex())
		return
	}

	if strings.TrimSpace(*out) == "" {
		fail("out is required")
	}
	hexKey := strings.TrimSpace(os.Getenv(*keyEnv))
	if hexKey == "" {
		fail(*keyEnv + " is empty")
	}
	passphrase := strings.TrimSpace(os.Getenv(*passphraseEnv))
	if passphrase == "" {
		fail(*passphraseEnv + " is empty")
	}

	address, err := signer.SealKey(*out, hexKey, passphrase)
	if err != nil {
		fail(err.Error())
	}
	fmt.Printf("sealed key for %s written to %s\n", address.Hex(), *out)
}

func fail(msg string) {
	_, _ = fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}
