package bundler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/AvaProtocol/ap-userop/pkg/erc4337/jsonrpc"
)

// ErrTimeout is returned when polling gives up before the operation reaches the awaited state.
var ErrTimeout = errors.New("bundler: timed out waiting for user operation")

const (
	DefaultPollInterval = 2 * time.Second
	DefaultWaitTimeout  = 2 * time.Minute
)

// poll calls check right away and then every interval until it reports done, fails with a
// non-retryable error, or timeout elapses. Retryable read failures are polled through.
func poll(ctx context.Context, timeout, interval time.Duration, check func(ctx context.Context) (bool, error)) error {
	if timeout <= 0 {
		timeout = DefaultWaitTimeout
	}
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for {
		done, err := check(waitCtx)
		if err == nil && done {
			return nil
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if waitCtx.Err() != nil {
			return ErrTimeout
		}
		if err != nil && !jsonrpc.IsRetryable(err) {
			return err
		}

		timer := time.NewTimer(interval)
		select {
		case <-waitCtx.Done():
			timer.Stop()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return ErrTimeout
		case <-timer.C:
		}
	}
}

// WaitForReceipt polls eth_getUserOperationReceipt until a receipt exists. It only reads, so
// a caller may call it again after ErrTimeout.
func (bc *BundlerClient) WaitForReceipt(ctx context.Context, hash string, timeout, pollInterval time.Duration) (*UserOperationReceipt, error) {
	var receipt *UserOperationReceipt
	attempts := 0

	err := poll(ctx, timeout, pollInterval, func(ctx context.Context) (bool, error) {
		attempts++
		r, err := bc.GetUserOperationReceipt(ctx, hash)
		if err != nil {
			bc.logger.Debug("receipt poll failed", "userOpHash", hash, "attempt", attempts, "error", err)
			return false, err
		}
		receipt = r
		return r != nil, nil
	})
	if err != nil {
		if errors.Is(err, ErrTimeout) {
			return nil, fmt.Errorf("%w %s after %d polls", ErrTimeout, hash, attempts)
		}
		return nil, err
	}

	bc.logger.Info("user operation receipt", "userOpHash", hash, "success", receipt.Success, "polls", attempts)
	return receipt, nil
}

// ResolveIncluded turns an included status into succeeded or reverted once the receipt is
// available. The vendor status extension stops at included, only the receipt knows the
// outcome. Other statuses are left alone.
func (bc *BundlerClient) ResolveIncluded(ctx context.Context, st *UserOperationStatus) error {
	if st.Status != StatusIncluded {
		return nil
	}
	receipt, err := bc.GetUserOperationReceipt(ctx, st.UserOpHash)
	if err != nil {
		return err
	}
	if receipt == nil {
		return nil
	}
	st.Status = receipt.Status()
	st.Receipt = receipt
	if st.TransactionHash == nil {
		txHash := receipt.Receipt.TransactionHash.Hex()
		st.TransactionHash = &txHash
	}
	return nil
}

// WaitForFinalStatus polls the vendor status extension until a terminal status. An included
// operation is resolved to succeeded or reverted through its receipt.
func (bc *BundlerClient) WaitForFinalStatus(ctx context.Context, hash string, timeout, pollInterval time.Duration) (*UserOperationStatus, error) {
	var last *UserOperationStatus

	err := poll(ctx, timeout, pollInterval, func(ctx context.Context) (bool, error) {
		st, err := bc.GetUserOperationStatus(ctx, hash)
		if err != nil {
			return false, err
		}

		if err := bc.ResolveIncluded(ctx, st); err != nil {
			return false, err
		}

		if last != nil && !CanTransition(last.Status, st.Status) {
			bc.logger.Warn("ignoring status regression", "userOpHash", hash, "from", last.Status, "to", st.Status)
			return false, nil
		}
		last = st
		return st.Status.IsTerminal(), nil
	})
	if err != nil {
		if errors.Is(err, ErrTimeout) {
			return last, fmt.Errorf("%w %s", ErrTimeout, hash)
		}
		return last, err
	}
	return last, nil
}
