package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// InvariantValidator checks ledger invariants after batch application.
type InvariantValidator struct {
	book *Book
}

func NewInvariantValidator(book *Book) *InvariantValidator {
	return &InvariantValidator{
		book: book,
	}
}

// ValidateBatch verifies a batch is well-formed before application.
func (v *InvariantValidator) ValidateBatch(batch *Batch) error {
	return batch.Validate()
}

// ValidateZeroSum verifies every unit's ledger is zero-sum. With the supply
// contra accounts this is exactly sum(holder balances) == totalSupply.
func (v *InvariantValidator) ValidateZeroSum() error {
	totals := v.book.ComputeUnitTotals()

	for unit, total := range totals {
		if total != 0 {
			unitName, _ := UnitName(unit)
			return fmt.Errorf("ledger for %s is non-zero-sum: %d", unitName, total)
		}
	}

	return nil
}

// ValidateSupplyMatchesHolders re-derives total supply from holder balances
// and compares it against the supply contra account.
func (v *InvariantValidator) ValidateSupplyMatchesHolders(unit Unit) error {
	var sum int64
	for _, bal := range v.book.HolderBalances(unit) {
		sum += bal
	}

	supply := v.book.TotalSupply(unit)
	if sum != supply {
		unitName, _ := UnitName(unit)
		return fmt.Errorf("%s holder balances sum to %d but supply is %d", unitName, sum, supply)
	}
	return nil
}

// ValidateHolderNonNegative checks a user's share balance is >= 0.
func (v *InvariantValidator) ValidateHolderNonNegative(account uuid.UUID, unit Unit) error {
	return v.book.ValidateNonNegative(NewUserAccountKey(account, unit))
}

// ValidateVaultAssetsNonNegative checks idle and deployed balances are >= 0.
func (v *InvariantValidator) ValidateVaultAssetsNonNegative() error {
	if err := v.book.ValidateNonNegative(IdleKey()); err != nil {
		return err
	}
	return v.book.ValidateNonNegative(DeployedKey())
}
