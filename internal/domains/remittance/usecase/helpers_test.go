package usecase

import (
	"io"
	"log/slog"
	"math/big"
	"testing"

	"remit-sync/go-backend/internal/domains/remittance/model"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

var (
	account  = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	stranger = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func mustCode(t *testing.T, raw string) model.Code {
	t.Helper()
	code, err := model.ParseCode(raw)
	require.NoError(t, err)
	return code
}

func addedEvent(id common.Hash, block uint64) model.Event {
	return model.Event{
		Kind:          model.EventAdded,
		ID:            id,
		Sender:        stranger,
		Value:         big.NewInt(10),
		Claim:         big.NewInt(1),
		BlockDeadline: 500,
		BlockNumber:   block,
	}
}
