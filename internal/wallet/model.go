package wallet

import (
	"github.com/talamala/bullion/internal/asset"
	"github.com/talamala/bullion/internal/ledger"
)

// BalanceView is the account snapshot returned to clients, with the derived
// figures spelled out and a human readable rendering.
type BalanceView struct {
	OwnerID      string     `json:"owner_id"`
	Asset        asset.Code `json:"asset"`
	Balance      int64      `json:"balance"`
	Locked       int64      `json:"locked"`
	Credit       int64      `json:"credit"`
	Available    int64      `json:"available"`
	Withdrawable int64      `json:"withdrawable"`
	Display      string     `json:"display"`
}

func toView(a ledger.Account) BalanceView {
	return BalanceView{
		OwnerID:      a.OwnerID,
		Asset:        a.Asset,
		Balance:      a.Balance,
		Locked:       a.Locked,
		Credit:       a.Credit,
		Available:    a.Available(),
		Withdrawable: a.Withdrawable(),
		Display:      asset.Format(a.Asset, a.Balance),
	}
}

type withdrawalRequest struct {
	WithdrawalID string `json:"withdrawal_id" validate:"required"`
	OwnerID      string `json:"owner_id" validate:"required"`
	Asset        string `json:"asset" validate:"omitempty,asset"`
	Amount       int64  `json:"amount" validate:"gt=0"`
}

type entriesResponse struct {
	Entries []ledger.Entry `json:"entries"`
	Limit   int            `json:"limit"`
	Offset  int            `json:"offset"`
}
