package core

import "fmt"

// Transition applies one stock action to a state and returns the new state.
// It is a pure rule set: no I/O, and every precondition is checked before any
// field changes, so a failed transition leaves the input untouched.
//
// Quantity follows the action's sign convention: ship and transfer_out accept
// either a negative signed quantity or a positive magnitude (the absolute
// value is consumed); adjust is signed; everything else requires qty > 0.
func Transition(st StockState, action Action, qty int64, shipFrom ShipSource) (StockState, error) {
	switch action {
	case ActionReceive:
		if qty <= 0 {
			return st, &BadRequestError{Reason: fmt.Sprintf("receive quantity must be positive, got %d", qty)}
		}
		st.OnHand += qty
		return st, nil

	case ActionReserve:
		if qty <= 0 {
			return st, &BadRequestError{Reason: fmt.Sprintf("reserve quantity must be positive, got %d", qty)}
		}
		if st.Available() < qty {
			return st, shortage(st, qty)
		}
		st.Reserved += qty
		return st, nil

	case ActionUnreserve:
		if qty <= 0 {
			return st, &BadRequestError{Reason: fmt.Sprintf("unreserve quantity must be positive, got %d", qty)}
		}
		if st.Reserved < qty {
			return st, shortage(st, qty)
		}
		st.Reserved -= qty
		return st, nil

	case ActionShip:
		return ship(st, abs(qty), shipFrom)

	case ActionAdjust:
		if qty == 0 {
			return st, &BadRequestError{Reason: "adjust quantity must be non-zero"}
		}
		newOnHand := st.OnHand + qty
		if newOnHand < 0 {
			return st, shortage(st, -qty)
		}
		if newOnHand < st.Reserved {
			return st, fmt.Errorf("%w: adjustment would leave on-hand %d below reserved %d",
				ErrInvalidOperation, newOnHand, st.Reserved)
		}
		st.OnHand = newOnHand
		return st, nil

	case ActionTransferOut:
		q := abs(qty)
		if q == 0 {
			return st, &BadRequestError{Reason: "transfer quantity must be non-zero"}
		}
		if st.OnHand < q {
			return st, shortage(st, q)
		}
		st.OnHand -= q
		return st, nil

	case ActionTransferIn:
		if qty <= 0 {
			return st, &BadRequestError{Reason: fmt.Sprintf("transfer_in quantity must be positive, got %d", qty)}
		}
		st.OnHand += qty
		return st, nil

	default:
		return st, fmt.Errorf("%w: %q", ErrInvalidAction, action)
	}
}

// ship deducts q units according to the requested source bucket. The default
// source drains reserved stock first, then dips into available.
func ship(st StockState, q int64, from ShipSource) (StockState, error) {
	if q == 0 {
		return st, &BadRequestError{Reason: "ship quantity must be non-zero"}
	}
	switch from {
	case ShipFromReserved:
		if st.Reserved < q {
			return st, shortage(st, q)
		}
		st.Reserved -= q
		st.OnHand -= q
		return st, nil

	case ShipFromAvailable:
		if st.Available() < q {
			return st, shortage(st, q)
		}
		st.OnHand -= q
		return st, nil

	case ShipFromDefault:
		if st.OnHand < q {
			return st, shortage(st, q)
		}
		fromReserved := st.Reserved
		if fromReserved > q {
			fromReserved = q
		}
		st.Reserved -= fromReserved
		st.OnHand -= q
		return st, nil

	default:
		return st, &BadRequestError{Reason: fmt.Sprintf("unknown ship_from source %q", from)}
	}
}

func shortage(st StockState, requested int64) *InsufficientStockError {
	return &InsufficientStockError{
		Requested: requested,
		Available: st.Available(),
		OnHand:    st.OnHand,
		Reserved:  st.Reserved,
	}
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
