package funding

import (
	"context"
	"errors"
	"strings"
)

var (
	ErrUnknownGateway   = errors.New("unknown payment gateway")
	ErrUnknownPurpose   = errors.New("unknown callback purpose")
	ErrInvalidSignature = errors.New("callback rejected by gateway")
)

// Callback purposes.
const (
	PurposeTopup    = "topup"
	PurposeCheckout = "checkout"
)

// Callback is a payment gateway's report about one payment.
type Callback struct {
	Gateway     string
	ExternalRef string
	Purpose     string
	Status      string
	Signature   string

	// top-up
	TopupID string
	OwnerID string

	// checkout
	OrderID string
	Tokens  []string

	Amount int64
	Asset  string
}

// Outcome is the verified result of a callback.
type Outcome struct {
	Success     bool
	ExternalRef string
}

// Gateway verifies callbacks from one payment provider.
type Gateway interface {
	Verify(ctx context.Context, cb Callback) (Outcome, error)
}

// StaticGateway trusts the reported status. It stands in for providers whose
// protocol adapters live outside this service.
type StaticGateway struct{}

func (StaticGateway) Verify(_ context.Context, cb Callback) (Outcome, error) {
	switch strings.ToLower(cb.Status) {
	case "paid", "success", "succeeded", "ok":
		return Outcome{Success: true, ExternalRef: cb.ExternalRef}, nil
	default:
		return Outcome{Success: false, ExternalRef: cb.ExternalRef}, nil
	}
}
