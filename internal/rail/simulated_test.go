package rail

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimulatedPay(t *testing.T) {
	req := PayRequest{Address: "lnaddr", Amount: 1000, IdempotencyKey: "payout:1:1"}

	first, err := Simulated{}.Pay(context.Background(), req)
	require.NoError(t, err)
	second, err := Simulated{}.Pay(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, first.Receipt, second.Receipt)
	assert.Contains(t, first.Receipt, "sim_")
}

func TestSimulatedRejectsEmptyAddress(t *testing.T) {
	_, err := Simulated{}.Pay(context.Background(), PayRequest{Amount: 1, IdempotencyKey: "k"})
	assert.True(t, IsPermanent(err))
}

func TestSimulatedCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Simulated{}.Pay(ctx, PayRequest{Address: "a", Amount: 1, IdempotencyKey: "k"})
	assert.True(t, errors.Is(err, ErrTransient))
}
