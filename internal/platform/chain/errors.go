package chain

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/ethereum/go-ethereum/rpc"
)

// Precondition failures. Never retried; the purchase flow surfaces them to the
// caller and rolls the policy back to DRAFT.
var (
	ErrTokenNotAllowed     = errors.New("token not in contract allow-list")
	ErrInsufficientBalance = errors.New("insufficient token balance")
)

// ErrConfirmationTimeout means a transaction was accepted by the node but not
// mined within the confirmation window. The submission is pending, not failed.
var ErrConfirmationTimeout = errors.New("transaction confirmation timed out")

// RevertError carries the root-cause reason of an on-chain revert. Reverts are
// not retried: resubmitting the same action typically reverts identically.
type RevertError struct {
	Op     string
	Reason string
}

func (e *RevertError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("%s: execution reverted", e.Op)
	}
	return fmt.Sprintf("%s: execution reverted: %s", e.Op, e.Reason)
}

// IsRevert reports whether err represents an on-chain revert.
func IsRevert(err error) bool {
	var re *RevertError
	if errors.As(err, &re) {
		return true
	}
	return err != nil && strings.Contains(err.Error(), "execution reverted")
}

// asRevert normalizes node-reported reverts into a RevertError, extracting the
// reason string when the node attached revert data.
func asRevert(op string, err error) error {
	if err == nil || !strings.Contains(err.Error(), "execution reverted") {
		return err
	}

	reason := strings.TrimSpace(strings.TrimPrefix(err.Error(), "execution reverted:"))
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		if msg, ok := dataErr.ErrorData().(string); ok && msg != "" {
			reason = msg
		}
	}

	return &RevertError{Op: op, Reason: reason}
}

// isTransient reports whether err looks like a recoverable infrastructure
// failure (node hiccup, dropped connection) worth a bounded retry.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || IsRevert(err) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := err.Error()
	for _, marker := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"EOF",
		"i/o timeout",
		"too many requests",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
