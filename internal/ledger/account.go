package ledger

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeUser AccountScope = iota
	AccountScopeSystem
	AccountScopeExternal
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// User sub-types
	SubTypeShares AccountSubType = iota

	// System sub-types
	SubTypeSupply   // Contra account: negated balance == total share supply
	SubTypeIdle     // Base asset held idle in the vault
	SubTypeDeployed // Base asset principal supplied to the credit market

	// External sub-types
	SubTypeExternalGateway // User deposits/withdrawals crossing the boundary
	SubTypeExternalYield   // Realized profit write-ups
	SubTypeExternalLoss    // Realized loss write-downs
)

// Unit identifies what an account balance is denominated in.
type Unit uint16

const (
	UnitBase   Unit = 1 // Base stable asset
	UnitSenior Unit = 2 // Senior-tranche shares
	UnitSub    Unit = 3 // Subordinate-tranche shares
)

var unitNames = map[Unit]string{
	UnitBase:   "BASE",
	UnitSenior: "SNR",
	UnitSub:    "SUB",
}

func UnitName(u Unit) (string, bool) {
	name, ok := unitNames[u]
	return name, ok
}

func ParseUnit(name string) (Unit, bool) {
	for u, n := range unitNames {
		if n == name {
			return u, true
		}
	}
	return 0, false
}

// Well-known system account names.
const (
	SystemSubTranche     = "subtranche"      // Subordinate tranche's senior-share holdings
	SystemSeniorSupply   = "senior_supply"   // Senior share supply contra
	SystemSubSupply      = "sub_supply"      // Subordinate share supply contra
	SystemSeniorIdle     = "senior_idle"     // Idle base assets
	SystemSeniorDeployed = "senior_deployed" // Deployed base asset principal
)

// AccountKey is the in-memory key for balance tracking.
type AccountKey struct {
	Scope    AccountScope
	EntityID [16]byte // UUID for users, name bytes for system accounts
	SubType  AccountSubType
	Unit     Unit
}

// NewUserAccountKey creates a key for a user's share balance in a tranche.
func NewUserAccountKey(account uuid.UUID, unit Unit) AccountKey {
	return AccountKey{
		Scope:    AccountScopeUser,
		EntityID: account,
		SubType:  SubTypeShares,
		Unit:     unit,
	}
}

// NewSystemAccountKey creates a key for system accounts
func NewSystemAccountKey(name string, subType AccountSubType, unit Unit) AccountKey {
	var entityID [16]byte
	copy(entityID[:], []byte(name))
	return AccountKey{
		Scope:    AccountScopeSystem,
		EntityID: entityID,
		SubType:  subType,
		Unit:     unit,
	}
}

// NewExternalAccountKey creates a key for external boundary accounts
func NewExternalAccountKey(subType AccountSubType, unit Unit) AccountKey {
	return AccountKey{
		Scope:   AccountScopeExternal,
		SubType: subType,
		Unit:    unit,
	}
}

// Shorthand constructors for the fixed chart of accounts.

// SubTrancheKey is the subordinate tranche's senior-share holding account.
func SubTrancheKey() AccountKey {
	return NewSystemAccountKey(SystemSubTranche, SubTypeShares, UnitSenior)
}

func SupplyKey(unit Unit) AccountKey {
	switch unit {
	case UnitSenior:
		return NewSystemAccountKey(SystemSeniorSupply, SubTypeSupply, UnitSenior)
	case UnitSub:
		return NewSystemAccountKey(SystemSubSupply, SubTypeSupply, UnitSub)
	}
	panic(fmt.Sprintf("no supply account for unit %d", unit))
}

func IdleKey() AccountKey {
	return NewSystemAccountKey(SystemSeniorIdle, SubTypeIdle, UnitBase)
}

func DeployedKey() AccountKey {
	return NewSystemAccountKey(SystemSeniorDeployed, SubTypeDeployed, UnitBase)
}

func GatewayKey() AccountKey {
	return NewExternalAccountKey(SubTypeExternalGateway, UnitBase)
}

func YieldKey() AccountKey {
	return NewExternalAccountKey(SubTypeExternalYield, UnitBase)
}

func LossKey() AccountKey {
	return NewExternalAccountKey(SubTypeExternalLoss, UnitBase)
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	unitName, _ := UnitName(k.Unit)

	switch k.Scope {
	case AccountScopeUser:
		uid := uuid.UUID(k.EntityID)
		return fmt.Sprintf("user:%s:%s:%s", uid.String(), k.subTypeName(), unitName)
	case AccountScopeSystem:
		name := systemEntityName(k.EntityID)
		return fmt.Sprintf("system:%s:%s:%s", name, k.subTypeName(), unitName)
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s:%s", k.subTypeName(), unitName)
	}
	return "unknown"
}

// ParseAccountPath is the inverse of AccountPath. Snapshot restore uses it
// to rebuild in-memory keys from stored path strings.
func ParseAccountPath(path string) (AccountKey, error) {
	parts := strings.Split(path, ":")

	switch {
	case len(parts) == 4 && parts[0] == "user":
		uid, err := uuid.Parse(parts[1])
		if err != nil {
			return AccountKey{}, fmt.Errorf("account path %q: %w", path, err)
		}
		subType, ok := parseSubType(parts[2])
		if !ok {
			return AccountKey{}, fmt.Errorf("account path %q: unknown sub-type", path)
		}
		unit, ok := ParseUnit(parts[3])
		if !ok {
			return AccountKey{}, fmt.Errorf("account path %q: unknown unit", path)
		}
		return AccountKey{Scope: AccountScopeUser, EntityID: uid, SubType: subType, Unit: unit}, nil

	case len(parts) == 4 && parts[0] == "system":
		subType, ok := parseSubType(parts[2])
		if !ok {
			return AccountKey{}, fmt.Errorf("account path %q: unknown sub-type", path)
		}
		unit, ok := ParseUnit(parts[3])
		if !ok {
			return AccountKey{}, fmt.Errorf("account path %q: unknown unit", path)
		}
		return NewSystemAccountKey(parts[1], subType, unit), nil

	case len(parts) == 3 && parts[0] == "external":
		subType, ok := parseSubType(parts[1])
		if !ok {
			return AccountKey{}, fmt.Errorf("account path %q: unknown sub-type", path)
		}
		unit, ok := ParseUnit(parts[2])
		if !ok {
			return AccountKey{}, fmt.Errorf("account path %q: unknown unit", path)
		}
		return NewExternalAccountKey(subType, unit), nil
	}

	return AccountKey{}, fmt.Errorf("malformed account path %q", path)
}

func parseSubType(name string) (AccountSubType, bool) {
	switch name {
	case "shares":
		return SubTypeShares, true
	case "supply":
		return SubTypeSupply, true
	case "idle":
		return SubTypeIdle, true
	case "deployed":
		return SubTypeDeployed, true
	case "gateway":
		return SubTypeExternalGateway, true
	case "yield":
		return SubTypeExternalYield, true
	case "loss":
		return SubTypeExternalLoss, true
	}
	return 0, false
}

func systemEntityName(entityID [16]byte) string {
	n := 0
	for n < len(entityID) && entityID[n] != 0 {
		n++
	}
	return string(entityID[:n])
}

func (k AccountKey) subTypeName() string {
	switch k.SubType {
	case SubTypeShares:
		return "shares"
	case SubTypeSupply:
		return "supply"
	case SubTypeIdle:
		return "idle"
	case SubTypeDeployed:
		return "deployed"
	case SubTypeExternalGateway:
		return "gateway"
	case SubTypeExternalYield:
		return "yield"
	case SubTypeExternalLoss:
		return "loss"
	default:
		return "unknown"
	}
}
