package ledger

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/username/flexledger/backend/src/logger"
	"github.com/username/flexledger/backend/src/models"
	"github.com/username/flexledger/backend/src/store"
)

// Valuation source labels recorded on every snapshot row.
const (
	ValuationNoOpenPosition   = "solid_no_open_position"
	ValuationBrokerUnrealized = "openpositions_fifo_unrealized"
	ValuationMissingBroker    = "missing_solid_broker_openpositions"
	ValuationQtyMismatch      = "missing_solid_position_mismatch"
)

// LotStatusOpen is the only status the builder persists; closed lots are
// dropped from the replacement set.
const LotStatusOpen = "open"

// SnapshotBuilder assembles the daily PnL snapshot for one account from
// canonical events plus the broker's own open-position valuations.
type SnapshotBuilder struct {
	ledger             *store.LedgerStore
	raw                *store.RawStore
	accountID          string
	functionalCurrency string
}

func NewSnapshotBuilder(ledger *store.LedgerStore, raw *store.RawStore, accountID, functionalCurrency string) *SnapshotBuilder {
	return &SnapshotBuilder{
		ledger:             ledger,
		raw:                raw,
		accountID:          accountID,
		functionalCurrency: functionalCurrency,
	}
}

// BuildSummary is what the orchestrator records in its timeline.
type BuildSummary struct {
	SnapshotRows      int `json:"snapshot_rows"`
	LotRows           int `json:"lot_rows"`
	MissingValuations int `json:"missing_valuations"`
}

type brokerValuation struct {
	quantity   decimal.Decimal
	unrealized decimal.Decimal
}

// Build computes and persists the snapshot for the given local report date.
// artifactID points at the statement whose OpenPositions rows supply broker
// valuations; it may be empty, in which case every open position is
// provisional. The run id is recorded on the snapshot rows for provenance.
func (b *SnapshotBuilder) Build(reportDateLocal, artifactID string, runID *string) (*BuildSummary, error) {
	fills, err := b.ledger.ListTradeFillsThroughDate(b.accountID, reportDateLocal)
	if err != nil {
		return nil, err
	}
	flows, err := b.ledger.ListCashflowsThroughDate(b.accountID, reportDateLocal)
	if err != nil {
		return nil, err
	}
	valuations, err := b.loadBrokerValuations(artifactID)
	if err != nil {
		return nil, err
	}

	byInstrument := map[string][]Fill{}
	for _, record := range fills {
		fill, err := toEngineFill(record)
		if err != nil {
			return nil, err
		}
		byInstrument[record.InstrumentID] = append(byInstrument[record.InstrumentID], fill)
	}

	instrumentIDs := make([]string, 0, len(byInstrument))
	for id := range byInstrument {
		instrumentIDs = append(instrumentIDs, id)
	}
	sort.Strings(instrumentIDs)

	cashFees, cashWithholding := cashflowTotals(flows)

	summary := &BuildSummary{}
	var snapshots []models.PnlSnapshotUpsert
	var lots []models.PositionLotUpsert

	for _, instrumentID := range instrumentIDs {
		instrumentFills := byInstrument[instrumentID]
		mark := lastFillPrice(instrumentFills)
		result := Compute(instrumentFills, mark)

		fees := cashFees[instrumentID]
		withholding := cashWithholding[instrumentID]
		realized := result.RealizedPnl.Sub(fees).Sub(withholding)

		unrealized := decimal.Zero
		provisional := false
		source := ValuationNoOpenPosition
		if !result.OpenQuantity.IsZero() {
			if valuation, ok := valuations[instrumentID]; !ok {
				provisional = true
				source = ValuationMissingBroker
				summary.MissingValuations++
			} else if !valuation.quantity.Equal(result.OpenQuantity) {
				provisional = true
				source = ValuationQtyMismatch
				summary.MissingValuations++
			} else {
				unrealized = valuation.unrealized
				source = ValuationBrokerUnrealized
			}
		}

		var costBasis *string
		if !result.OpenQuantity.IsZero() {
			total := decimal.Zero
			for _, lot := range result.Lots {
				total = total.Add(lot.UnitBasis.Mul(lot.Remaining))
			}
			text := total.String()
			costBasis = &text
		}

		snapshots = append(snapshots, models.PnlSnapshotUpsert{
			AccountID:       b.accountID,
			ReportDateLocal: reportDateLocal,
			InstrumentID:    instrumentID,
			PositionQty:     result.OpenQuantity.String(),
			CostBasis:       costBasis,
			RealizedPnl:     realized.String(),
			UnrealizedPnl:   unrealized.String(),
			TotalPnl:        realized.Add(unrealized).String(),
			Fees:            fees.String(),
			WithholdingTax:  withholding.String(),
			Currency:        b.functionalCurrency,
			Provisional:     provisional,
			ValuationSource: source,
			IngestionRunID:  runID,
		})

		for _, lot := range result.Lots {
			signedOpen := lot.OpenQuantity
			signedRemaining := lot.Remaining
			if lot.Direction < 0 {
				signedOpen = signedOpen.Neg()
				signedRemaining = signedRemaining.Neg()
			}
			lots = append(lots, models.PositionLotUpsert{
				ID:                   lotID(b.accountID, instrumentID, lot.OpenExecID),
				AccountID:            b.accountID,
				InstrumentID:         instrumentID,
				OpenEventTradeFillID: lot.OpenTradeFillID,
				OpenedAtUTC:          lot.OpenedAtUTC.Format(time.RFC3339),
				OpenQuantity:         signedOpen.String(),
				RemainingQuantity:    signedRemaining.String(),
				OpenPrice:            lot.OpenPrice.String(),
				CostBasisOpen:        lot.UnitBasis.Mul(lot.OpenQuantity).String(),
				RealizedPnlToDate:    lot.RealizedToDate.String(),
				Status:               LotStatusOpen,
			})
		}
	}

	if summary.LotRows, err = b.ledger.ReplaceLots(b.accountID, instrumentIDs, lots); err != nil {
		return nil, err
	}
	if summary.SnapshotRows, err = b.ledger.UpsertSnapshots(snapshots); err != nil {
		return nil, err
	}
	return summary, nil
}

// loadBrokerValuations reads the artifact's OpenPositions rows and resolves
// them to instrument ids. Rows for unknown contracts or with unparseable
// numbers are skipped; an open position they should have covered will
// surface as provisional.
func (b *SnapshotBuilder) loadBrokerValuations(artifactID string) (map[string]brokerValuation, error) {
	valuations := map[string]brokerValuation{}
	if artifactID == "" {
		return valuations, nil
	}

	rows, err := b.raw.ListRowsForArtifactSection(artifactID, "OpenPositions")
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		conid := row.SourcePayload["conid"]
		if conid == "" {
			continue
		}
		quantity, qErr := decimal.NewFromString(row.SourcePayload["position"])
		unrealized, uErr := decimal.NewFromString(row.SourcePayload["fifoPnlUnrealized"])
		if qErr != nil || uErr != nil {
			if logger.L != nil {
				logger.L.Warn("Skipping unparseable open position row", "sourceRowRef", row.SourceRowRef)
			}
			continue
		}
		instrumentID, ok, err := b.ledger.InstrumentIDByConid(b.accountID, conid)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		valuations[instrumentID] = brokerValuation{quantity: quantity, unrealized: unrealized}
	}
	return valuations, nil
}

func toEngineFill(record models.TradeFillRecord) (Fill, error) {
	quantity, err := decimal.NewFromString(record.Quantity)
	if err != nil {
		return Fill{}, fmt.Errorf("invalid quantity on fill %s: %w", record.IBExecID, err)
	}
	price, err := decimal.NewFromString(record.Price)
	if err != nil {
		return Fill{}, fmt.Errorf("invalid price on fill %s: %w", record.IBExecID, err)
	}
	timestamp, err := time.Parse(time.RFC3339, record.TradeTimestampUTC)
	if err != nil {
		return Fill{}, fmt.Errorf("invalid timestamp on fill %s: %w", record.IBExecID, err)
	}

	fee := decimal.Zero
	for _, charge := range []*string{record.Commission, record.Fees} {
		if charge == nil {
			continue
		}
		parsed, err := decimal.NewFromString(*charge)
		if err != nil {
			return Fill{}, fmt.Errorf("invalid charge on fill %s: %w", record.IBExecID, err)
		}
		fee = fee.Add(parsed.Abs())
	}

	return Fill{
		TradeFillID:  record.ID,
		ExecID:       record.IBExecID,
		SourceRowRef: record.SourceRawRecordID,
		TimestampUTC: timestamp,
		Side:         record.Side,
		Quantity:     quantity,
		Price:        price,
		Fee:          fee,
	}, nil
}

// lotID derives the stable lot identity from the opening execution, so
// recomputation upserts rather than forking lots.
func lotID(accountID, instrumentID, openExecID string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(accountID+":"+instrumentID+":"+openExecID)).String()
}

// lastFillPrice is the naive mark fallback: the price of the latest fill by
// the engine's own ordering.
func lastFillPrice(fills []Fill) decimal.Decimal {
	if len(fills) == 0 {
		return decimal.Zero
	}
	last := fills[0]
	for _, fill := range fills[1:] {
		if fill.TimestampUTC.After(last.TimestampUTC) ||
			(fill.TimestampUTC.Equal(last.TimestampUTC) && fill.SourceRowRef > last.SourceRowRef) {
			last = fill
		}
	}
	return last.Price
}

func cashflowTotals(flows []models.CashflowRecord) (fees, withholding map[string]decimal.Decimal) {
	fees = map[string]decimal.Decimal{}
	withholding = map[string]decimal.Decimal{}
	for _, flow := range flows {
		if flow.InstrumentID == nil {
			continue
		}
		id := *flow.InstrumentID
		if flow.Fees != nil {
			if parsed, err := decimal.NewFromString(*flow.Fees); err == nil {
				fees[id] = fees[id].Add(parsed.Abs())
			}
		}
		if flow.WithholdingTax != nil {
			if parsed, err := decimal.NewFromString(*flow.WithholdingTax); err == nil {
				withholding[id] = withholding[id].Add(parsed.Abs())
			}
		}
	}
	return fees, withholding
}
