// Package models holds the immutable record and request types shared across
// the ingestion, mapping, persistence and ledger layers. These are plain data
// contracts; behavior lives in the packages that produce or consume them.
package models

import (
	"time"

	"github.com/username/flexledger/backend/src/timeline"
)

// Run lifecycle values for IngestionRun.Status.
const (
	RunStatusStarted = "started"
	RunStatusSuccess = "success"
	RunStatusFailed  = "failed"
)

// Trigger sources for IngestionRun.RunType.
const (
	RunTypeScheduled = "scheduled"
	RunTypeManual    = "manual"
	RunTypeReprocess = "reprocess"
)

// IngestionRun is one execution attempt of the ingestion or reprocess
// workflow. Created as `started`, mutated exactly once at finalize.
type IngestionRun struct {
	ID              string                `json:"id"`
	AccountID       string                `json:"account_id"`
	RunType         string                `json:"run_type"`
	Status          string                `json:"status"`
	PeriodKey       string                `json:"period_key"`
	FlexQueryID     string                `json:"flex_query_id"`
	ReportDateLocal *string               `json:"report_date_local,omitempty"`
	StartedAtUTC    time.Time             `json:"started_at_utc"`
	CompletedAtUTC  *time.Time            `json:"completed_at_utc,omitempty"`
	DurationMS      *int64                `json:"duration_ms,omitempty"`
	ErrorCode       *string               `json:"error_code,omitempty"`
	ErrorMessage    *string               `json:"error_message,omitempty"`
	Diagnostics     []timeline.StageEvent `json:"diagnostics"`
}

// ArtifactKey is the dedupe identity of one raw payload blob.
type ArtifactKey struct {
	AccountID     string `json:"account_id"`
	PeriodKey     string `json:"period_key"`
	FlexQueryID   string `json:"flex_query_id"`
	PayloadSHA256 string `json:"payload_sha256"`
}

// RawArtifact is one immutable payload blob from the upstream source.
type RawArtifact struct {
	ID              string      `json:"id"`
	IngestionRunID  string      `json:"ingestion_run_id"`
	Key             ArtifactKey `json:"key"`
	ReportDateLocal *string     `json:"report_date_local,omitempty"`
	Payload         []byte      `json:"-"`
	CreatedAtUTC    time.Time   `json:"created_at_utc"`
}

// RawRecord is one extracted section row owned by exactly one artifact.
// Identity fields of the owning artifact are denormalized so reprocess can
// scope reads by (account, period key, query id) without joins.
type RawRecord struct {
	ID              string            `json:"id"`
	RawArtifactID   string            `json:"raw_artifact_id"`
	IngestionRunID  string            `json:"ingestion_run_id"`
	AccountID       string            `json:"account_id"`
	PeriodKey       string            `json:"period_key"`
	FlexQueryID     string            `json:"flex_query_id"`
	ReportDateLocal *string           `json:"report_date_local,omitempty"`
	SectionName     string            `json:"section_name"`
	SourceRowRef    string            `json:"source_row_ref"`
	SourcePayload   map[string]string `json:"source_payload"`
}

// InstrumentUpsert is the canonical instrument upsert request. The
// (AccountID, Conid) identity is frozen for life; descriptive fields are
// refreshed on conflict.
type InstrumentUpsert struct {
	AccountID     string
	Conid         string
	Symbol        string
	LocalSymbol   *string
	ISIN          *string
	CUSIP         *string
	FIGI          *string
	AssetCategory string
	Currency      string
	Description   *string
}

// Instrument is the persisted canonical instrument identity.
type Instrument struct {
	ID        string `json:"id"`
	AccountID string `json:"account_id"`
	Conid     string `json:"conid"`
	Symbol    string `json:"symbol"`
}

// TradeFillUpsert is a canonical trade-fill event keyed by
// (AccountID, IBExecID). All numeric values travel as exact decimal text.
type TradeFillUpsert struct {
	AccountID          string
	InstrumentID       string
	IngestionRunID     string
	SourceRawRecordID  string
	IBExecID           string
	TransactionID      *string
	TradeTimestampUTC  string
	ReportDateLocal    string
	Side               string
	Quantity           string
	Price              string
	Cost               *string
	Commission         *string
	Fees               *string
	RealizedPnl        *string
	NetCash            *string
	NetCashInBase      *string
	FxRateToBase       *string
	Currency           string
	FunctionalCurrency string
}

// CashflowUpsert is a canonical cashflow event keyed by
// (AccountID, TransactionID, CashAction, Currency).
type CashflowUpsert struct {
	AccountID          string
	InstrumentID       *string
	IngestionRunID     string
	SourceRawRecordID  string
	TransactionID      string
	CashAction         string
	ReportDateLocal    string
	EffectiveAtUTC     *string
	Amount             string
	AmountInBase       *string
	Currency           string
	FunctionalCurrency string
	WithholdingTax     *string
	Fees               *string
}

// FxUpsert is a canonical FX-rate event keyed by
// (AccountID, TransactionID, Currency, FunctionalCurrency).
type FxUpsert struct {
	AccountID          string
	IngestionRunID     string
	SourceRawRecordID  string
	TransactionID      string
	ReportDateLocal    string
	Currency           string
	FunctionalCurrency string
	FxRate             *string
	FxSource           string
	Provisional        bool
	DiagnosticCode     *string
}

// CorpActionUpsert is a canonical corporate-action event keyed by
// (AccountID, ActionID) when an action id exists, else by the fallback key
// (AccountID, TransactionID, Conid, ReportDateLocal, ReorgCode).
type CorpActionUpsert struct {
	AccountID         string
	InstrumentID      *string
	Conid             string
	IngestionRunID    string
	SourceRawRecordID string
	ActionID          *string
	TransactionID     *string
	ReorgCode         string
	ReportDateLocal   string
	Description       *string
	RequiresManual    bool
	Provisional       bool
	ManualCaseID      *string
}

// TradeFillRecord is a canonical trade fill as read back for ledger
// computation.
type TradeFillRecord struct {
	ID                 string
	InstrumentID       string
	SourceRawRecordID  string
	IBExecID           string
	TradeTimestampUTC  string
	ReportDateLocal    string
	Side               string
	Quantity           string
	Price              string
	Commission         *string
	Fees               *string
	Currency           string
	FunctionalCurrency string
}

// CashflowRecord is a canonical cashflow as read back for snapshot assembly.
type CashflowRecord struct {
	ID              string
	InstrumentID    *string
	TransactionID   string
	CashAction      string
	ReportDateLocal string
	Amount          string
	Fees            *string
	WithholdingTax  *string
}

// OpenPositionValuation is one broker-reported open position valuation row
// extracted from the run's OpenPositions section.
type OpenPositionValuation struct {
	InstrumentID  string
	PositionQty   string
	UnrealizedPnl string
}

// PositionLotUpsert persists one open FIFO lot. The ID is derived
// deterministically from (account, instrument, opening exec id) so
// recomputation is idempotent.
type PositionLotUpsert struct {
	ID                   string
	AccountID            string
	InstrumentID         string
	OpenEventTradeFillID string
	OpenedAtUTC          string
	OpenQuantity         string
	RemainingQuantity    string
	OpenPrice            string
	CostBasisOpen        string
	RealizedPnlToDate    string
	Status               string
}

// PnlSnapshotUpsert persists one (account, report date, instrument) daily
// snapshot row.
type PnlSnapshotUpsert struct {
	AccountID       string
	ReportDateLocal string
	InstrumentID    string
	PositionQty     string
	CostBasis       *string
	RealizedPnl     string
	UnrealizedPnl   string
	TotalPnl        string
	Fees            string
	WithholdingTax  string
	Currency        string
	Provisional     bool
	ValuationSource string
	IngestionRunID  *string
}

// PnlSnapshotRecord is a daily snapshot row as served by the read API.
type PnlSnapshotRecord struct {
	AccountID       string  `json:"account_id"`
	ReportDateLocal string  `json:"report_date_local"`
	InstrumentID    string  `json:"instrument_id"`
	Symbol          string  `json:"symbol"`
	PositionQty     string  `json:"position_qty"`
	CostBasis       *string `json:"cost_basis,omitempty"`
	RealizedPnl     string  `json:"realized_pnl"`
	UnrealizedPnl   string  `json:"unrealized_pnl"`
	TotalPnl        string  `json:"total_pnl"`
	Fees            string  `json:"fees"`
	WithholdingTax  string  `json:"withholding_tax"`
	Currency        string  `json:"currency"`
	Provisional     bool    `json:"provisional"`
	ValuationSource string  `json:"valuation_source"`
}
