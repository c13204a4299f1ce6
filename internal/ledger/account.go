package ledger

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrInvalidAmount          = errors.New("amount must be positive")
	ErrInsufficientFunds      = errors.New("insufficient funds")
	ErrInsufficientAllocation = errors.New("insufficient allocation")
)

// performanceEpsilon keeps unfunded bots away from a zero division.
const performanceEpsilon = 1e-9

// AccountInfo is a point-in-time copy of the account.
type AccountInfo struct {
	Balance         float64 `json:"balance"`
	AvailableFunds  float64 `json:"availableFunds"`
	BuyingPower     float64 `json:"buyingPower"`
	Equity          float64 `json:"equity"`
	MarginUsed      float64 `json:"marginUsed"`
	MarginAvailable float64 `json:"marginAvailable"`
}

// Account holds the aggregate balance and the capital carved out for
// each bot. Transfers move money between AvailableFunds and a bot's
// allocation in a single critical section.
type Account struct {
	mu          sync.Mutex
	info        AccountInfo
	allocations map[string]float64
}

// NewAccount opens an account funded with balance.
func NewAccount(balance float64) *Account {
	return &Account{
		info: AccountInfo{
			Balance:         balance,
			AvailableFunds:  balance,
			BuyingPower:     balance,
			Equity:          balance,
			MarginAvailable: balance,
		},
		allocations: make(map[string]float64),
	}
}

// Info returns a copy of the account.
func (a *Account) Info() AccountInfo {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.info
}

// Deposit adds amount to balance and available funds. Non-positive
// amounts are ignored.
func (a *Account) Deposit(amount float64) bool {
	if !(amount > 0) {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.info.Balance += amount
	a.info.AvailableFunds += amount
	a.info.BuyingPower = a.info.AvailableFunds
	a.info.MarginAvailable = a.info.AvailableFunds
	return true
}

// TransferToBot moves amount from available funds into botID's allocation.
func (a *Account) TransferToBot(botID string, amount float64) error {
	if !(amount > 0) {
		return fmt.Errorf("%w: %v", ErrInvalidAmount, amount)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if amount > a.info.AvailableFunds {
		return fmt.Errorf("%w: need %.2f, have %.2f", ErrInsufficientFunds, amount, a.info.AvailableFunds)
	}
	a.info.AvailableFunds -= amount
	a.info.BuyingPower = a.info.AvailableFunds
	a.info.MarginAvailable = a.info.AvailableFunds
	a.allocations[botID] += amount
	return nil
}

// WithdrawFromBot moves amount from botID's allocation back to available
// funds.
func (a *Account) WithdrawFromBot(botID string, amount float64) error {
	if !(amount > 0) {
		return fmt.Errorf("%w: %v", ErrInvalidAmount, amount)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	allocated := a.allocations[botID]
	if amount > allocated {
		return fmt.Errorf("%w: bot %s holds %.2f", ErrInsufficientAllocation, botID, allocated)
	}
	a.allocations[botID] = allocated - amount
	a.info.AvailableFunds += amount
	a.info.BuyingPower = a.info.AvailableFunds
	a.info.MarginAvailable = a.info.AvailableFunds
	return nil
}

// Allocation returns the capital allocated to botID.
func (a *Account) Allocation(botID string) float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allocations[botID]
}

// Allocations copies the allocation table.
func (a *Account) Allocations() map[string]float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]float64, len(a.allocations))
	for id, amt := range a.allocations {
		out[id] = amt
	}
	return out
}

// AllocatedBots lists bots with an allocation entry, sorted.
func (a *Account) AllocatedBots() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]string, 0, len(a.allocations))
	for id := range a.allocations {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// RestoreAllocations replaces the allocation table. Available funds are
// not touched; call Recompute afterwards.
func (a *Account) RestoreAllocations(allocations map[string]float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.allocations = make(map[string]float64, len(allocations))
	for id, amt := range allocations {
		a.allocations[id] = amt
	}
}

// ChargeFees deducts commissions from the balance.
func (a *Account) ChargeFees(amount float64) {
	if !(amount > 0) {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.info.Balance -= amount
}

// Recompute derives equity from the balance and the position totals.
// Capital allocated to bots is not available for new orders.
func (a *Account) Recompute(t Totals) AccountInfo {
	a.mu.Lock()
	defer a.mu.Unlock()
	var allocated float64
	for _, amt := range a.allocations {
		allocated += amt
	}
	a.info.Equity = a.info.Balance + t.Realized + t.Unrealized
	a.info.AvailableFunds = a.info.Equity - a.info.MarginUsed - allocated
	a.info.BuyingPower = a.info.AvailableFunds
	a.info.MarginAvailable = a.info.AvailableFunds
	return a.info
}

// Performance is the percentage return of a bot on its allocation.
// Unfunded bots report 0.
func Performance(allocation, realized, unrealized float64) float64 {
	if allocation <= 0 {
		return 0
	}
	total := allocation + realized + unrealized
	return (total - allocation) / max(allocation, performanceEpsilon) * 100
}
