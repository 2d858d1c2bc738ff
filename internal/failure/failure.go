// Package failure defines the typed failures every underwriting command can
// return. Callers wrap them with fmt.Errorf("...: %w") and match with errors.Is.
package failure

import (
	"errors"

	"google.golang.org/grpc/codes"
)

var (
	ErrUnauthorized              = errors.New("unauthorized")
	ErrIndexOutOfRange           = errors.New("index out of range")
	ErrInsufficientPremium       = errors.New("insufficient premium")
	ErrInsufficientFreeLiquidity = errors.New("insufficient free liquidity")
	ErrPolicyInactive            = errors.New("policy inactive")
	ErrPayoutExceedsCoverage     = errors.New("payout exceeds coverage")
	ErrPremiumCurrent            = errors.New("premium current")
	ErrInvalidArgument           = errors.New("invalid argument")

	// ErrTransferFailed is returned when the external transfer primitive
	// rejected a payout or withdrawal. No state was changed.
	ErrTransferFailed = errors.New("transfer failed")
)

var reasons = []struct {
	err    error
	reason string
	code   codes.Code
}{
	{ErrUnauthorized, "unauthorized", codes.PermissionDenied},
	{ErrIndexOutOfRange, "index_out_of_range", codes.NotFound},
	{ErrInsufficientPremium, "insufficient_premium", codes.FailedPrecondition},
	{ErrInsufficientFreeLiquidity, "insufficient_free_liquidity", codes.FailedPrecondition},
	{ErrPolicyInactive, "policy_inactive", codes.FailedPrecondition},
	{ErrPayoutExceedsCoverage, "payout_exceeds_coverage", codes.InvalidArgument},
	{ErrPremiumCurrent, "premium_current", codes.FailedPrecondition},
	{ErrInvalidArgument, "invalid_argument", codes.InvalidArgument},
	{ErrTransferFailed, "transfer_failed", codes.Unavailable},
}

// Reason returns a stable snake_case label for err, used for metric labels
// and wire responses. Unknown errors map to "internal".
func Reason(err error) string {
	if err == nil {
		return ""
	}
	for _, r := range reasons {
		if errors.Is(err, r.err) {
			return r.reason
		}
	}
	return "internal"
}

// IsDomain reports whether err is one of the typed command failures, as
// opposed to an infrastructure error.
func IsDomain(err error) bool {
	return Reason(err) != "internal" && err != nil
}

// GRPCCode maps err to the status code the RPC surface returns.
func GRPCCode(err error) codes.Code {
	if err == nil {
		return codes.OK
	}
	for _, r := range reasons {
		if errors.Is(err, r.err) {
			return r.code
		}
	}
	return codes.Internal
}
