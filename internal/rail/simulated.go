package rail

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
)

// Simulated settles every payment immediately. Used when rail.mode is
// "simulated" for local runs.
type Simulated struct{}

func (Simulated) Pay(ctx context.Context, req PayRequest) (*PayResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, ErrTransient
	}
	if req.Address == "" {
		return nil, &PermanentError{Reason: "empty address"}
	}
	sum := sha256.Sum256([]byte(req.IdempotencyKey))
	return &PayResult{Receipt: "sim_" + hex.EncodeToString(sum[:8])}, nil
}
