package ledger

import "fmt"

type delta struct {
	balance, locked, credit int64
}

// apply computes the effect of p on acct. It never mutates acct; callers get
// the next state and the component deltas that produced it.
func apply(acct Account, p Posting) (Account, delta, error) {
	if p.Amount <= 0 {
		return acct, delta{}, fmt.Errorf("%w: %d", ErrInvalidAmount, p.Amount)
	}
	a := p.Amount

	var d delta
	switch p.Kind {
	case KindDeposit, KindRefund:
		d.balance = a
	case KindCredit:
		d.balance = a
		d.credit = a
	case KindHold:
		if acct.Available() < a {
			return acct, delta{}, rejected(acct, p, acct.Available(), ErrInsufficientFunds)
		}
		d.locked = a
	case KindRelease:
		if acct.Locked < a {
			return acct, delta{}, rejected(acct, p, acct.Locked, ErrInsufficientHold)
		}
		d.locked = -a
	case KindCommit:
		if acct.Locked < a {
			return acct, delta{}, rejected(acct, p, acct.Locked, ErrInsufficientHold)
		}
		d.balance = -a
		d.locked = -a
	case KindPayment:
		var err error
		if d, err = spend(acct, p, true); err != nil {
			return acct, delta{}, err
		}
	case KindWithdraw:
		var err error
		if d, err = spend(acct, p, p.ConsumeCredit); err != nil {
			return acct, delta{}, err
		}
	default:
		return acct, delta{}, fmt.Errorf("%w: %q", ErrInvalidKind, p.Kind)
	}

	next := acct
	next.Balance += d.balance
	next.Locked += d.locked
	next.Credit += d.credit

	// Credit can never exceed the balance it is part of; a debit that would
	// leave it higher burns the excess and the entry records it.
	if next.Credit > next.Balance {
		burn := next.Credit - next.Balance
		d.credit -= burn
		next.Credit -= burn
	}

	if next.Balance < 0 || next.Locked < 0 || next.Credit < 0 || next.Locked > next.Balance {
		return acct, delta{}, rejected(acct, p, acct.Available(), ErrInsufficientFunds)
	}
	return next, d, nil
}

// spend debits available money. With consumeCredit regular money goes first
// and credit covers the rest; without it only withdrawable money may be used.
func spend(acct Account, p Posting, consumeCredit bool) (delta, error) {
	a := p.Amount
	if !consumeCredit {
		if acct.Withdrawable() < a {
			return delta{}, rejected(acct, p, acct.Withdrawable(), ErrInsufficientFunds)
		}
		return delta{balance: -a}, nil
	}

	available := acct.Available()
	if available < a {
		return delta{}, rejected(acct, p, available, ErrInsufficientFunds)
	}
	regular := available - acct.Credit
	if regular < 0 {
		regular = 0
	}
	fromCredit := a - regular
	if fromCredit < 0 {
		fromCredit = 0
	}
	return delta{balance: -a, credit: -fromCredit}, nil
}

func rejected(acct Account, p Posting, have int64, err error) error {
	return &BalanceError{
		OwnerID:   acct.OwnerID,
		Asset:     acct.Asset,
		Kind:      p.Kind,
		Amount:    p.Amount,
		Available: have,
		Err:       err,
	}
}
