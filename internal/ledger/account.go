package ledger

import (
	"fmt"
	"strconv"
	"strings"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopePool AccountScope = iota
	AccountScopePolicy
	AccountScopeExternal
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// Pool sub-types
	SubTypeFree AccountSubType = iota

	// Policy sub-types
	SubTypeCollateral

	// External sub-types
	SubTypeExternalDeposits
	SubTypeExternalWithdrawals
	SubTypeExternalPremiums
	SubTypeExternalPayouts
)

// AccountKey is the in-memory key for balance tracking. EntityID is the
// policy index for policy accounts and zero otherwise.
type AccountKey struct {
	Scope    AccountScope
	EntityID int64
	SubType  AccountSubType
}

// PoolFreeAccount is the pool's unencumbered capital.
func PoolFreeAccount() AccountKey {
	return AccountKey{Scope: AccountScopePool, SubType: SubTypeFree}
}

// PolicyCollateralAccount holds the capital locked against one policy.
func PolicyCollateralAccount(policyIndex int64) AccountKey {
	return AccountKey{Scope: AccountScopePolicy, EntityID: policyIndex, SubType: SubTypeCollateral}
}

// NewExternalAccountKey creates a key for external boundary accounts
func NewExternalAccountKey(subType AccountSubType) AccountKey {
	return AccountKey{Scope: AccountScopeExternal, SubType: subType}
}

// IsExternal reports whether the account sits outside the pool. External
// balances may go negative, every other account may not.
func (k AccountKey) IsExternal() bool {
	return k.Scope == AccountScopeExternal
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	switch k.Scope {
	case AccountScopePool:
		return "pool:" + k.subTypeName()
	case AccountScopePolicy:
		return fmt.Sprintf("policy:%d:%s", k.EntityID, k.subTypeName())
	case AccountScopeExternal:
		return "external:" + k.subTypeName()
	}
	return "unknown"
}

func (k AccountKey) String() string {
	return k.AccountPath()
}

// ParseAccountPath is the inverse of AccountPath. Used when restoring
// balances from snapshots and projections.
func ParseAccountPath(path string) (AccountKey, error) {
	parts := strings.Split(path, ":")

	switch {
	case len(parts) == 2 && parts[0] == "pool":
		st, ok := subTypeByName[parts[1]]
		if !ok || st != SubTypeFree {
			return AccountKey{}, fmt.Errorf("unknown pool account %q", path)
		}
		return PoolFreeAccount(), nil

	case len(parts) == 3 && parts[0] == "policy":
		idx, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil || idx < 0 {
			return AccountKey{}, fmt.Errorf("invalid policy index in %q", path)
		}
		if st, ok := subTypeByName[parts[2]]; !ok || st != SubTypeCollateral {
			return AccountKey{}, fmt.Errorf("unknown policy account %q", path)
		}
		return PolicyCollateralAccount(idx), nil

	case len(parts) == 2 && parts[0] == "external":
		st, ok := subTypeByName[parts[1]]
		if !ok || st < SubTypeExternalDeposits {
			return AccountKey{}, fmt.Errorf("unknown external account %q", path)
		}
		return NewExternalAccountKey(st), nil
	}

	return AccountKey{}, fmt.Errorf("malformed account path %q", path)
}

var subTypeByName = map[string]AccountSubType{
	"free":        SubTypeFree,
	"collateral":  SubTypeCollateral,
	"deposits":    SubTypeExternalDeposits,
	"withdrawals": SubTypeExternalWithdrawals,
	"premiums":    SubTypeExternalPremiums,
	"payouts":     SubTypeExternalPayouts,
}

func (k AccountKey) subTypeName() string {
	switch k.SubType {
	case SubTypeFree:
		return "free"
	case SubTypeCollateral:
		return "collateral"
	case SubTypeExternalDeposits:
		return "deposits"
	case SubTypeExternalWithdrawals:
		return "withdrawals"
	case SubTypeExternalPremiums:
		return "premiums"
	case SubTypeExternalPayouts:
		return "payouts"
	default:
		return "unknown"
	}
}
