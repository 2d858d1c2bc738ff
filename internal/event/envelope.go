package event

import (
	"fmt"
	"time"
)

// CommandType discriminator for command payloads
type CommandType int32

const (
	CommandTypeUnknown CommandType = iota
	CommandTypeDepositLiquidity
	CommandTypeRemoveLiquidity
	CommandTypeCreateQuote
	CommandTypeCreatePolicy
	CommandTypePayPremium
	CommandTypePayout
	CommandTypeClosePolicy
)

// EventEnvelope wraps every applied command in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key from the caller
	IdempotencyKey string

	// Command type discriminator
	CommandType CommandType

	// Policy context (nil for pool and quote commands)
	PolicyIndex *int64

	// Identity that issued the command
	Caller Identity

	// Clock reading at execution (NOT wall-clock of the writer)
	Timestamp time.Time

	// JSON-encoded command
	Payload []byte

	// SHA-256 of state AFTER applying this command
	StateHash [32]byte

	// Previous command's state hash (chain integrity)
	PrevHash [32]byte
}

// Command is the interface all command payloads must implement
type Command interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// CommandType returns the discriminator
	CommandType() CommandType

	// CallerID returns the identity the command acts as
	CallerID() Identity
}

// PolicyScoped is implemented by commands that target one policy.
type PolicyScoped interface {
	PolicyRef() int64
}

var commandTypeNames = map[CommandType]string{
	CommandTypeDepositLiquidity: "DepositLiquidity",
	CommandTypeRemoveLiquidity:  "RemoveLiquidity",
	CommandTypeCreateQuote:      "CreateQuote",
	CommandTypeCreatePolicy:     "CreatePolicy",
	CommandTypePayPremium:       "PayPremium",
	CommandTypePayout:           "Payout",
	CommandTypeClosePolicy:      "ClosePolicy",
}

func (ct CommandType) String() string {
	if name, ok := commandTypeNames[ct]; ok {
		return name
	}
	return "Unknown"
}

// ParseCommandType maps a type name back to its discriminator.
func ParseCommandType(name string) (CommandType, error) {
	for ct, n := range commandTypeNames {
		if n == name {
			return ct, nil
		}
	}
	return CommandTypeUnknown, fmt.Errorf("unknown command type %q", name)
}

// AllCommandTypes lists every known command in discriminator order.
func AllCommandTypes() []CommandType {
	return []CommandType{
		CommandTypeDepositLiquidity,
		CommandTypeRemoveLiquidity,
		CommandTypeCreateQuote,
		CommandTypeCreatePolicy,
		CommandTypePayPremium,
		CommandTypePayout,
		CommandTypeClosePolicy,
	}
}

// PolicyIndexOf returns the policy a command targets, if any.
func PolicyIndexOf(cmd Command) *int64 {
	if ps, ok := cmd.(PolicyScoped); ok {
		idx := ps.PolicyRef()
		return &idx
	}
	return nil
}
