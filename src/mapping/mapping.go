// Package mapping turns persisted raw rows into canonical event upsert
// requests. It is pure: no I/O, no clock. A single bad value fails the whole
// batch so replays can never persist a partial view of a statement.
package mapping

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/username/flexledger/backend/src/models"
	"github.com/username/flexledger/backend/src/utils"
)

// nullSentinels are upstream placeholder values treated as absent.
var nullSentinels = map[string]bool{
	"":    true,
	"-":   true,
	"--":  true,
	"N/A": true,
}

// expectedRowTags guards each mapped section against summary and grouping
// rows; rows with any other tag are skipped silently.
var expectedRowTags = map[string]string{
	"Trades":           "Trade",
	"CashTransactions": "CashTransaction",
	"ConversionRates":  "ConversionRate",
	"CorporateActions": "CorporateAction",
	"SecuritiesInfo":   "SecurityInfo",
}

// Context carries the statement-level facts every mapped event needs.
type Context struct {
	AccountID          string
	FunctionalCurrency string
	// ReportDateLocal is the statement-level report date used when a row
	// carries none of its own. May be empty.
	ReportDateLocal string
	IngestionRunID  string
}

// TradeFill pairs a mapped fill with the broker contract id it belongs to;
// the instrument id is resolved at persistence time.
type TradeFill struct {
	Conid string
	Fill  models.TradeFillUpsert
}

// Cashflow pairs a mapped cashflow with its optional broker contract id.
type Cashflow struct {
	Conid string
	Flow  models.CashflowUpsert
}

// CorpAction pairs a mapped corporate action with its broker contract id.
type CorpAction struct {
	Conid  string
	Action models.CorpActionUpsert
}

// Batch is the complete canonical output for one set of raw rows. Either the
// whole batch is valid or MapBatch returns an error and nothing else.
type Batch struct {
	Instruments []models.InstrumentUpsert
	TradeFills  []TradeFill
	Cashflows   []Cashflow
	FxEvents    []models.FxUpsert
	CorpActions []CorpAction
	SkippedRows int
}

// MapBatch maps raw rows into canonical upsert requests. Any contract
// violation aborts the batch. Sections without canonical events
// (OpenPositions, AccountInformation, performance summaries) are ignored.
func MapBatch(ctx Context, records []models.RawRecord) (*Batch, error) {
	batch := &Batch{}
	instruments := map[string]models.InstrumentUpsert{}
	var instrumentOrder []string

	addInstrument := func(req models.InstrumentUpsert, authoritative bool) {
		if _, seen := instruments[req.Conid]; !seen {
			instruments[req.Conid] = req
			instrumentOrder = append(instrumentOrder, req.Conid)
			return
		}
		// SecuritiesInfo rows win over the thin identity a trade row carries.
		if authoritative {
			instruments[req.Conid] = req
		}
	}

	for _, record := range records {
		expectedTag, mapped := expectedRowTags[record.SectionName]
		if !mapped {
			continue
		}
		if rowTag(record.SourceRowRef) != expectedTag {
			batch.SkippedRows++
			continue
		}

		var err error
		switch record.SectionName {
		case "SecuritiesInfo":
			err = mapSecurityInfo(ctx, record, addInstrument)
		case "Trades":
			err = mapTrade(ctx, record, batch, addInstrument)
		case "CashTransactions":
			err = mapCashTransaction(ctx, record, batch)
		case "ConversionRates":
			err = mapConversionRate(ctx, record, batch)
		case "CorporateActions":
			err = mapCorporateAction(ctx, record, batch)
		}
		if err != nil {
			return nil, err
		}
	}

	for _, conid := range instrumentOrder {
		batch.Instruments = append(batch.Instruments, instruments[conid])
	}
	return batch, nil
}

// rowTag extracts the element tag from a source row reference
// (`section:tag:key=value` or `section:tag:idx=N`).
func rowTag(sourceRowRef string) string {
	parts := strings.SplitN(sourceRowRef, ":", 3)
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}

func mapSecurityInfo(ctx Context, record models.RawRecord, add func(models.InstrumentUpsert, bool)) error {
	conid, ok := attr(record, "conid")
	if !ok {
		return violation(record, "conid", "security info row has no contract id")
	}
	symbol, _ := attr(record, "symbol")
	category, _ := attr(record, "assetCategory")
	currency, _ := attr(record, "currency")

	add(models.InstrumentUpsert{
		AccountID:     ctx.AccountID,
		Conid:         conid,
		Symbol:        symbol,
		LocalSymbol:   attrPtr(record, "localSymbol"),
		ISIN:          attrPtr(record, "isin"),
		CUSIP:         attrPtr(record, "cusip"),
		FIGI:          attrPtr(record, "figi"),
		AssetCategory: category,
		Currency:      currency,
		Description:   attrPtr(record, "description"),
	}, true)
	return nil
}

func mapTrade(ctx Context, record models.RawRecord, batch *Batch, add func(models.InstrumentUpsert, bool)) error {
	timestamp, tsOK := tradeTimestamp(record)
	reportDate, dateOK := resolveReportDate(ctx, record)

	execID, hasExec := firstAttr(record, "ibExecID", "ibExecId", "execID", "execId")
	if !hasExec {
		// Expired-option and summary rows legitimately have no execution id,
		// but only when they at least carry a parseable date.
		if tsOK || dateOK {
			batch.SkippedRows++
			return nil
		}
		return violation(record, "ibExecID", "trade row has no execution id and no parseable timestamp or report date")
	}
	if !tsOK {
		return violation(record, "dateTime", "trade row timestamp is unparseable")
	}
	if !dateOK {
		return violation(record, "reportDate", "trade row has no resolvable report date")
	}

	conid, ok := attr(record, "conid")
	if !ok {
		return violation(record, "conid", "trade row has no contract id")
	}

	quantity, err := requireDecimal(record, "quantity")
	if err != nil {
		return err
	}
	price, err := requireDecimal(record, "tradePrice")
	if err != nil {
		return err
	}

	side, err := tradeSide(record, quantity)
	if err != nil {
		return err
	}

	commission, err := optionalDecimal(record, "ibCommission")
	if err != nil {
		return err
	}
	fees, err := optionalDecimal(record, "fees")
	if err != nil {
		return err
	}
	cost, err := optionalDecimal(record, "cost")
	if err != nil {
		return err
	}
	realized, err := optionalDecimal(record, "fifoPnlRealized")
	if err != nil {
		return err
	}
	netCash, err := optionalDecimal(record, "netCash")
	if err != nil {
		return err
	}
	netCashInBase, err := optionalDecimal(record, "netCashInBase")
	if err != nil {
		return err
	}
	fxRate, err := optionalDecimal(record, "fxRateToBase")
	if err != nil {
		return err
	}

	currency, _ := attr(record, "currency")
	if currency == "" {
		currency = ctx.FunctionalCurrency
	}

	symbol, _ := attr(record, "symbol")
	category, _ := attr(record, "assetCategory")
	add(models.InstrumentUpsert{
		AccountID:     ctx.AccountID,
		Conid:         conid,
		Symbol:        symbol,
		AssetCategory: category,
		Currency:      currency,
		Description:   attrPtr(record, "description"),
	}, false)

	batch.TradeFills = append(batch.TradeFills, TradeFill{
		Conid: conid,
		Fill: models.TradeFillUpsert{
			AccountID:          ctx.AccountID,
			IngestionRunID:     ctx.IngestionRunID,
			SourceRawRecordID:  record.ID,
			IBExecID:           execID,
			TransactionID:      attrPtrFrom(record, "transactionID", "transactionId"),
			TradeTimestampUTC:  timestamp.Format(time.RFC3339),
			ReportDateLocal:    reportDate,
			Side:               side,
			Quantity:           quantity.String(),
			Price:              price.String(),
			Cost:               cost,
			Commission:         commission,
			Fees:               fees,
			RealizedPnl:        realized,
			NetCash:            netCash,
			NetCashInBase:      netCashInBase,
			FxRateToBase:       fxRate,
			Currency:           currency,
			FunctionalCurrency: ctx.FunctionalCurrency,
		},
	})
	return nil
}

func mapCashTransaction(ctx Context, record models.RawRecord, batch *Batch) error {
	transactionID, ok := firstAttr(record, "transactionID", "transactionId")
	if !ok {
		return violation(record, "transactionID", "cash transaction has no transaction id")
	}
	action, ok := attr(record, "type")
	if !ok {
		return violation(record, "type", "cash transaction has no type")
	}
	amount, err := requireDecimal(record, "amount")
	if err != nil {
		return err
	}
	currency, ok := attr(record, "currency")
	if !ok {
		return violation(record, "currency", "cash transaction has no currency")
	}
	reportDate, ok := resolveReportDate(ctx, record)
	if !ok {
		return violation(record, "reportDate", "cash transaction has no resolvable report date")
	}

	amountInBase, err := optionalDecimal(record, "amountInBase")
	if err != nil {
		return err
	}
	withholding, err := optionalDecimal(record, "withholdingTax")
	if err != nil {
		return err
	}
	fees, err := optionalDecimal(record, "fees")
	if err != nil {
		return err
	}

	var effectiveAt *string
	if raw, ok := attr(record, "dateTime"); ok {
		parsed, parsedOK := utils.ParseTimestampUTC(raw)
		if !parsedOK {
			return violation(record, "dateTime", fmt.Sprintf("unparseable timestamp %q", raw))
		}
		text := parsed.Format(time.RFC3339)
		effectiveAt = &text
	}

	conid, _ := attr(record, "conid")
	batch.Cashflows = append(batch.Cashflows, Cashflow{
		Conid: conid,
		Flow: models.CashflowUpsert{
			AccountID:          ctx.AccountID,
			IngestionRunID:     ctx.IngestionRunID,
			SourceRawRecordID:  record.ID,
			TransactionID:      transactionID,
			CashAction:         action,
			ReportDateLocal:    reportDate,
			EffectiveAtUTC:     effectiveAt,
			Amount:             amount.String(),
			AmountInBase:       amountInBase,
			Currency:           currency,
			FunctionalCurrency: ctx.FunctionalCurrency,
			WithholdingTax:     withholding,
			Fees:               fees,
		},
	})
	return nil
}

func mapConversionRate(ctx Context, record models.RawRecord, batch *Batch) error {
	fromCurrency, ok := attr(record, "fromCurrency")
	if !ok {
		return violation(record, "fromCurrency", "conversion rate has no source currency")
	}
	reportDate, ok := resolveReportDate(ctx, record)
	if !ok {
		return violation(record, "reportDate", "conversion rate has no resolvable report date")
	}

	rate, err := optionalDecimal(record, "rate")
	if err != nil {
		return err
	}

	// Rates carry no upstream transaction id; the report date scopes one
	// rate per currency pair per day under the natural key.
	event := models.FxUpsert{
		AccountID:          ctx.AccountID,
		IngestionRunID:     ctx.IngestionRunID,
		SourceRawRecordID:  record.ID,
		TransactionID:      reportDate,
		ReportDateLocal:    reportDate,
		Currency:           fromCurrency,
		FunctionalCurrency: ctx.FunctionalCurrency,
		FxRate:             rate,
		FxSource:           "conversion_rates",
	}
	if rate == nil {
		event.Provisional = true
		code := "MISSING_FX_RATE"
		event.DiagnosticCode = &code
	}
	batch.FxEvents = append(batch.FxEvents, event)
	return nil
}

func mapCorporateAction(ctx Context, record models.RawRecord, batch *Batch) error {
	conid, ok := attr(record, "conid")
	if !ok {
		return violation(record, "conid", "corporate action has no contract id")
	}
	reorgCode, ok := firstAttr(record, "type", "code")
	if !ok {
		return violation(record, "type", "corporate action has no reorganization type")
	}
	reportDate, ok := resolveReportDate(ctx, record)
	if !ok {
		return violation(record, "reportDate", "corporate action has no resolvable report date")
	}

	actionID := attrPtrFrom(record, "actionID", "actionId")
	transactionID := attrPtrFrom(record, "transactionID", "transactionId")
	action := models.CorpActionUpsert{
		AccountID:         ctx.AccountID,
		Conid:             conid,
		IngestionRunID:    ctx.IngestionRunID,
		SourceRawRecordID: record.ID,
		ActionID:          actionID,
		TransactionID:     transactionID,
		ReorgCode:         reorgCode,
		ReportDateLocal:   reportDate,
		Description:       attrPtrFrom(record, "actionDescription", "description"),
	}
	if actionID == nil {
		// Fallback-keyed rows cannot be matched confidently across replays.
		action.Provisional = true
	}
	batch.CorpActions = append(batch.CorpActions, CorpAction{Conid: conid, Action: action})
	return nil
}

// tradeTimestamp resolves the execution timestamp from dateTime, falling
// back to the date-only tradeDate attribute.
func tradeTimestamp(record models.RawRecord) (time.Time, bool) {
	if raw, ok := attr(record, "dateTime"); ok {
		if parsed, parsedOK := utils.ParseTimestampUTC(raw); parsedOK {
			return parsed, true
		}
		return time.Time{}, false
	}
	if raw, ok := attr(record, "tradeDate"); ok {
		if parsed, parsedOK := utils.ParseTimestampUTC(raw); parsedOK {
			return parsed, true
		}
	}
	return time.Time{}, false
}

// resolveReportDate prefers the row's own reportDate, then the statement
// level date from the context.
func resolveReportDate(ctx Context, record models.RawRecord) (string, bool) {
	if raw, ok := attr(record, "reportDate"); ok {
		if parsed, parsedOK := utils.ParseLocalDate(raw); parsedOK {
			return parsed, true
		}
		return "", false
	}
	if ctx.ReportDateLocal != "" {
		return ctx.ReportDateLocal, true
	}
	return "", false
}

// tradeSide normalizes the direction. The buySell attribute is the truth
// when present; otherwise the quantity sign decides.
func tradeSide(record models.RawRecord, quantity decimal.Decimal) (string, error) {
	if raw, ok := attr(record, "buySell"); ok {
		side := strings.ToUpper(strings.TrimSpace(raw))
		if side != "BUY" && side != "SELL" {
			return "", violation(record, "buySell", fmt.Sprintf("unknown side %q", raw))
		}
		return side, nil
	}
	if quantity.IsNegative() {
		return "SELL", nil
	}
	return "BUY", nil
}

// attr returns a sentinel-filtered attribute value.
func attr(record models.RawRecord, key string) (string, bool) {
	value := strings.TrimSpace(record.SourcePayload[key])
	if nullSentinels[value] {
		return "", false
	}
	return value, true
}

func firstAttr(record models.RawRecord, keys ...string) (string, bool) {
	for _, key := range keys {
		if value, ok := attr(record, key); ok {
			return value, true
		}
	}
	return "", false
}

func attrPtr(record models.RawRecord, key string) *string {
	if value, ok := attr(record, key); ok {
		return &value
	}
	return nil
}

func attrPtrFrom(record models.RawRecord, keys ...string) *string {
	if value, ok := firstAttr(record, keys...); ok {
		return &value
	}
	return nil
}

// requireDecimal parses a mandatory numeric attribute, tolerating thousands
// separators.
func requireDecimal(record models.RawRecord, key string) (decimal.Decimal, error) {
	raw, ok := attr(record, key)
	if !ok {
		return decimal.Zero, violation(record, key, "required numeric value is missing")
	}
	parsed, err := decimal.NewFromString(strings.ReplaceAll(raw, ",", ""))
	if err != nil {
		return decimal.Zero, violation(record, key, fmt.Sprintf("value %q is not a valid decimal", raw))
	}
	return parsed, nil
}

// optionalDecimal parses an optional numeric attribute into exact decimal
// text, nil when absent.
func optionalDecimal(record models.RawRecord, key string) (*string, error) {
	raw, ok := attr(record, key)
	if !ok {
		return nil, nil
	}
	parsed, err := decimal.NewFromString(strings.ReplaceAll(raw, ",", ""))
	if err != nil {
		return nil, violation(record, key, fmt.Sprintf("value %q is not a valid decimal", raw))
	}
	text := parsed.String()
	return &text, nil
}

func violation(record models.RawRecord, field, reason string) error {
	return models.NewContractViolation("section=%s row_ref=%s field=%s: %s", record.SectionName, record.SourceRowRef, field, reason)
}
