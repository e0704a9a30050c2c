package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/talamala/bullion/internal/conflict"
	"github.com/talamala/bullion/internal/inventory"
)

type inventoryRepo struct {
	st *state
}

func (r inventoryRepo) Insert(_ context.Context, u inventory.Unit) error {
	if _, ok := r.st.units[u.Serial]; ok {
		return conflict.Wrap(fmt.Errorf("duplicate serial %s", u.Serial))
	}
	r.st.units[u.Serial] = u
	return nil
}

func (r inventoryRepo) Get(_ context.Context, serial string) (inventory.Unit, error) {
	u, ok := r.st.units[serial]
	if !ok {
		return inventory.Unit{}, inventory.ErrUnitNotFound
	}
	return u, nil
}

func (r inventoryRepo) GetByToken(_ context.Context, token string) (inventory.Unit, error) {
	serial, ok := r.st.tokens[token]
	if !ok {
		return inventory.Unit{}, inventory.ErrReservationNotFound
	}
	return r.st.units[serial], nil
}

func (r inventoryRepo) Claim(_ context.Context, sel inventory.Selector, holderID, token string, now, expiry time.Time) (inventory.Unit, error) {
	var candidates []inventory.Unit
	if sel.Serial != "" {
		if u, ok := r.st.units[sel.Serial]; ok && u.Claimable(now) {
			candidates = append(candidates, u)
		}
	} else {
		for _, u := range r.st.units {
			if u.ProductID != sel.ProductID || !u.Claimable(now) {
				continue
			}
			if sel.LocationID != "" && u.LocationID != sel.LocationID {
				continue
			}
			candidates = append(candidates, u)
		}
		sort.Slice(candidates, func(i, j int) bool {
			if !candidates[i].CreatedAt.Equal(candidates[j].CreatedAt) {
				return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
			}
			return candidates[i].Serial < candidates[j].Serial
		})
	}
	if len(candidates) == 0 {
		return inventory.Unit{}, inventory.ErrNotAvailable
	}

	u := candidates[0]
	if u.HoldToken != "" {
		delete(r.st.tokens, u.HoldToken)
	}
	exp := expiry
	u.Status = inventory.StatusReserved
	u.HolderID = holderID
	u.HoldToken = token
	u.HoldExpiry = &exp
	u.UpdatedAt = now
	r.st.units[u.Serial] = u
	r.st.tokens[token] = u.Serial
	return u, nil
}

func (r inventoryRepo) MarkSold(_ context.Context, token, ownerID, claimCode string, now time.Time) (inventory.Unit, error) {
	serial, ok := r.st.tokens[token]
	if !ok {
		return inventory.Unit{}, inventory.ErrReservationNotFound
	}
	u := r.st.units[serial]
	if !u.HoldActive(now) {
		return inventory.Unit{}, inventory.ErrReservationNotFound
	}
	for _, other := range r.st.units {
		if other.ClaimCode != "" && other.ClaimCode == claimCode {
			return inventory.Unit{}, conflict.Wrap(fmt.Errorf("duplicate claim code"))
		}
	}
	delete(r.st.tokens, token)
	u.Status = inventory.StatusSold
	u.OwnerID = ownerID
	u.HolderID = ""
	u.HoldToken = ""
	u.HoldExpiry = nil
	u.ClaimCode = claimCode
	u.UpdatedAt = now
	r.st.units[serial] = u
	return u, nil
}

func (r inventoryRepo) ReleaseHold(_ context.Context, token string, expiredBefore *time.Time, now time.Time) (inventory.Unit, error) {
	serial, ok := r.st.tokens[token]
	if !ok {
		return inventory.Unit{}, inventory.ErrReservationNotFound
	}
	u := r.st.units[serial]
	if u.Status != inventory.StatusReserved {
		return inventory.Unit{}, inventory.ErrReservationNotFound
	}
	if expiredBefore != nil && (u.HoldExpiry == nil || !u.HoldExpiry.Before(*expiredBefore)) {
		return inventory.Unit{}, inventory.ErrReservationNotFound
	}
	delete(r.st.tokens, token)
	u.Status = inventory.StatusAssigned
	u.HolderID = ""
	u.HoldToken = ""
	u.HoldExpiry = nil
	u.UpdatedAt = now
	r.st.units[serial] = u
	return u, nil
}

func (r inventoryRepo) Assign(_ context.Context, serial, productID, locationID string, now time.Time) (inventory.Unit, error) {
	u, ok := r.st.units[serial]
	if !ok {
		return inventory.Unit{}, inventory.ErrUnitNotFound
	}
	if u.Status != inventory.StatusRaw {
		return inventory.Unit{}, inventory.ErrInvalidTransition
	}
	u.Status = inventory.StatusAssigned
	u.ProductID = productID
	u.LocationID = locationID
	u.UpdatedAt = now
	r.st.units[serial] = u
	return u, nil
}

func (r inventoryRepo) Return(_ context.Context, serial, ownerID, locationID string, now time.Time) (inventory.Unit, error) {
	u, ok := r.st.units[serial]
	if !ok {
		return inventory.Unit{}, inventory.ErrUnitNotFound
	}
	if u.Status != inventory.StatusSold || u.OwnerID != ownerID {
		return inventory.Unit{}, inventory.ErrInvalidTransition
	}
	u.Status = inventory.StatusAssigned
	u.OwnerID = ""
	u.ClaimCode = ""
	if locationID != "" {
		u.LocationID = locationID
	}
	u.UpdatedAt = now
	r.st.units[serial] = u
	return u, nil
}

func (r inventoryRepo) ListExpired(_ context.Context, now time.Time, limit int) ([]inventory.Unit, error) {
	var out []inventory.Unit
	for _, u := range r.st.units {
		if u.Status == inventory.StatusReserved && u.HoldExpiry != nil && u.HoldExpiry.Before(now) {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].HoldExpiry.Before(*out[j].HoldExpiry) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
