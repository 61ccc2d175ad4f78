package hw

import (
	"context"
	"time"

	"github.com/c360/counterstream/errors"
	"github.com/c360/counterstream/pkg/retry"
)

// ackPollInterval is how often an acknowledgment register is re-read while
// waiting for the hardware to settle.
const ackPollInterval = time.Millisecond

// WaitRegister32 polls a register until (value & mask) == want, giving up
// after timeout. The wait is bounded: on timeout the caller gets
// ErrHardwareTimeout and must treat the operation as failed rather than
// guessing that it succeeded later.
func WaitRegister32(ctx context.Context, regs Registers, addr, mask, want uint32, timeout time.Duration) error {
	attempts := int(timeout / ackPollInterval)
	if attempts < 1 {
		attempts = 1
	}

	cfg := retry.Config{
		MaxAttempts:  attempts,
		InitialDelay: ackPollInterval,
		MaxDelay:     ackPollInterval,
		Multiplier:   1.0,
	}

	err := retry.Do(ctx, cfg, func() error {
		if regs.Read32(addr)&mask == want {
			return nil
		}
		return errors.ErrHardwareTimeout
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errors.WrapFatal(errors.ErrHardwareTimeout, "hw", "WaitRegister32", "register acknowledgment")
	}
	return nil
}
