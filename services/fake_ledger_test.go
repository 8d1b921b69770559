package services

import (
	"context"
	"fmt"
	"sync"
)

// fakeLedger is an in-memory stand-in for the external token ledger. It
// enforces the same allowance/balance rules the real ledger would, counts
// transfer calls, and can be scripted to reject transfers.
type fakeLedger struct {
	mu         sync.Mutex
	balances   map[string]int64
	allowances map[string]int64 // key: owner -> spender

	txSeq             int
	transferFromCalls int
	transferCalls     int

	rejectTransferFrom bool
	rejectTransferTo   map[string]bool
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		balances:         make(map[string]int64),
		allowances:       make(map[string]int64),
		rejectTransferTo: make(map[string]bool),
	}
}

func allowanceKey(owner, spender string) string {
	return owner + "->" + spender
}

func (l *fakeLedger) mint(address string, amount int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[address] += amount
}

func (l *fakeLedger) approve(owner, spender string, amount int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.allowances[allowanceKey(owner, spender)] = amount
}

func (l *fakeLedger) balance(address string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[address]
}

func (l *fakeLedger) TransferFrom(ctx context.Context, owner, spender string, amount int64) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.transferFromCalls++
	if l.rejectTransferFrom {
		return "", fmt.Errorf("%w: ledger rejected transfer", ErrTransferFailed)
	}
	key := allowanceKey(owner, spender)
	if l.allowances[key] < amount {
		return "", fmt.Errorf("%w: insufficient allowance", ErrTransferFailed)
	}
	if l.balances[owner] < amount {
		return "", fmt.Errorf("%w: insufficient balance", ErrTransferFailed)
	}

	l.allowances[key] -= amount
	l.balances[owner] -= amount
	l.balances[spender] += amount
	l.txSeq++
	return fmt.Sprintf("tx-%d", l.txSeq), nil
}

func (l *fakeLedger) Transfer(ctx context.Context, from, to string, amount int64) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.transferCalls++
	if l.rejectTransferTo[to] {
		return "", fmt.Errorf("%w: ledger rejected transfer", ErrTransferFailed)
	}
	if l.balances[from] < amount {
		return "", fmt.Errorf("%w: insufficient balance", ErrTransferFailed)
	}

	l.balances[from] -= amount
	l.balances[to] += amount
	l.txSeq++
	return fmt.Sprintf("tx-%d", l.txSeq), nil
}

func (l *fakeLedger) Allowance(ctx context.Context, owner, spender string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.allowances[allowanceKey(owner, spender)], nil
}

func (l *fakeLedger) BalanceOf(ctx context.Context, address string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[address], nil
}
