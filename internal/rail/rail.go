// Package rail is the boundary to the external settlement network (Lightning,
// mobile money). Callers treat it as slow and unreliable.
package rail

import (
	"context"
	"errors"
	"fmt"
)

// ErrTransient marks failures worth retrying: timeouts, 5xx, rate limits.
var ErrTransient = errors.New("payment rail temporarily unavailable")

// PermanentError is a failure the rail reports as non-retryable, such as an
// invalid recipient or insufficient liquidity.
type PermanentError struct {
	Reason string
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("payment rail rejected payment: %s", e.Reason)
}

// IsPermanent reports whether err is a rejection that retrying cannot fix.
func IsPermanent(err error) bool {
	var perr *PermanentError
	return errors.As(err, &perr)
}

// PayRequest asks the rail to send Amount to Address. The rail must treat a
// repeated IdempotencyKey as the same payment.
type PayRequest struct {
	Address        string
	Amount         int64
	IdempotencyKey string
}

// PayResult is a payment the rail accepted.
type PayResult struct {
	Receipt string
	Fee     int64
}

// Rail sends payouts.
type Rail interface {
	Pay(ctx context.Context, req PayRequest) (*PayResult, error)
}
