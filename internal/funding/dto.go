package funding

// CallbackRequest is the JSON body a gateway posts.
type CallbackRequest struct {
	ExternalRef string   `json:"external_ref" validate:"required"`
	Purpose     string   `json:"purpose" validate:"required,oneof=topup checkout"`
	Status      string   `json:"status" validate:"required"`
	Signature   string   `json:"signature"`
	TopupID     string   `json:"topup_id" validate:"required_if=Purpose topup"`
	OwnerID     string   `json:"owner_id" validate:"required"`
	OrderID     string   `json:"order_id" validate:"required_if=Purpose checkout"`
	Tokens      []string `json:"tokens" validate:"required_if=Purpose checkout,dive,required"`
	Amount      int64    `json:"amount" validate:"gt=0"`
	Asset       string   `json:"asset" validate:"omitempty,asset"`
}

func (r CallbackRequest) toCallback(gateway string) Callback {
	return Callback{
		Gateway:     gateway,
		ExternalRef: r.ExternalRef,
		Purpose:     r.Purpose,
		Status:      r.Status,
		Signature:   r.Signature,
		TopupID:     r.TopupID,
		OwnerID:     r.OwnerID,
		OrderID:     r.OrderID,
		Tokens:      r.Tokens,
		Amount:      r.Amount,
		Asset:       r.Asset,
	}
}
