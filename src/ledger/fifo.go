// Package ledger implements the FIFO position engine and the daily PnL
// snapshot assembly built on top of it.
package ledger

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Fill is one trade execution fed into the engine. Side is the direction
// truth; the quantity sign is ignored. Fee is the total non-negative charge
// on the fill (commission plus fees).
type Fill struct {
	TradeFillID  string
	ExecID       string
	SourceRowRef string
	TimestampUTC time.Time
	Side         string
	Quantity     decimal.Decimal
	Price        decimal.Decimal
	Fee          decimal.Decimal
}

// Lot is one open FIFO lot after processing. Quantities are magnitudes;
// Direction carries the sign (+1 long, -1 short).
type Lot struct {
	OpenTradeFillID string
	OpenExecID      string
	OpenedAtUTC     time.Time
	Direction       int
	OpenQuantity    decimal.Decimal
	Remaining       decimal.Decimal
	OpenPrice       decimal.Decimal
	UnitBasis       decimal.Decimal
	RealizedToDate  decimal.Decimal
}

// Result is the engine output for one instrument.
type Result struct {
	OpenQuantity  decimal.Decimal
	RealizedPnl   decimal.Decimal
	UnrealizedPnl decimal.Decimal
	Lots          []Lot
}

// Compute runs FIFO matching over one instrument's fills and values the
// surviving lots at the supplied mark price. Input order is irrelevant:
// fills are sorted by (timestamp, source row ref) before matching, so any
// permutation of the same set produces identical results.
func Compute(fills []Fill, mark decimal.Decimal) Result {
	sorted := make([]Fill, len(fills))
	copy(sorted, fills)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].TimestampUTC.Equal(sorted[j].TimestampUTC) {
			return sorted[i].TimestampUTC.Before(sorted[j].TimestampUTC)
		}
		return sorted[i].SourceRowRef < sorted[j].SourceRowRef
	})

	var lots []Lot
	realized := decimal.Zero

	for _, fill := range sorted {
		direction := 1
		if fill.Side == "SELL" {
			direction = -1
		}
		quantity := fill.Quantity.Abs()
		if quantity.IsZero() {
			continue
		}
		fee := fill.Fee.Abs()

		// Close opposite-direction lots oldest first.
		remaining := quantity
		for i := range lots {
			if lots[i].Direction == direction || lots[i].Remaining.IsZero() || remaining.IsZero() {
				continue
			}
			matched := decimal.Min(remaining, lots[i].Remaining)
			feeShare := fee.Mul(matched).Div(quantity)

			var perUnit decimal.Decimal
			if lots[i].Direction > 0 {
				perUnit = fill.Price.Sub(lots[i].UnitBasis)
			} else {
				perUnit = lots[i].UnitBasis.Sub(fill.Price)
			}
			gain := perUnit.Mul(matched).Sub(feeShare)

			realized = realized.Add(gain)
			lots[i].RealizedToDate = lots[i].RealizedToDate.Add(gain)
			lots[i].Remaining = lots[i].Remaining.Sub(matched)
			remaining = remaining.Sub(matched)
		}
		lots = compactLots(lots)

		// Whatever is left opens a new lot; its basis absorbs the opening
		// share of the fill's fee.
		if remaining.IsPositive() {
			feeShare := fee.Mul(remaining).Div(quantity)
			notional := fill.Price.Mul(remaining)
			if direction > 0 {
				notional = notional.Add(feeShare)
			} else {
				notional = notional.Sub(feeShare)
			}
			lots = append(lots, Lot{
				OpenTradeFillID: fill.TradeFillID,
				OpenExecID:      fill.ExecID,
				OpenedAtUTC:     fill.TimestampUTC,
				Direction:       direction,
				OpenQuantity:    remaining,
				Remaining:       remaining,
				OpenPrice:       fill.Price,
				UnitBasis:       notional.Div(remaining),
			})
		}
	}

	result := Result{RealizedPnl: realized, OpenQuantity: decimal.Zero, UnrealizedPnl: decimal.Zero, Lots: lots}
	for _, lot := range lots {
		signed := lot.Remaining
		var gainPerUnit decimal.Decimal
		if lot.Direction > 0 {
			gainPerUnit = mark.Sub(lot.UnitBasis)
		} else {
			signed = signed.Neg()
			gainPerUnit = lot.UnitBasis.Sub(mark)
		}
		result.OpenQuantity = result.OpenQuantity.Add(signed)
		result.UnrealizedPnl = result.UnrealizedPnl.Add(gainPerUnit.Mul(lot.Remaining))
	}
	return result
}

func compactLots(lots []Lot) []Lot {
	open := lots[:0]
	for _, lot := range lots {
		if !lot.Remaining.IsZero() {
			open = append(open, lot)
		}
	}
	return open
}
