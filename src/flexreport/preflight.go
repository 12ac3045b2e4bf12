package flexreport

import "sort"

// DiagnosticCodeMissingSection is the run error code recorded when preflight
// fails.
const DiagnosticCodeMissingSection = "MISSING_REQUIRED_SECTION"

// hardRequiredSections must be present in every statement document before
// anything is persisted.
var hardRequiredSections = []string{
	"AccountInformation",
	"CashTransactions",
	"ConversionRates",
	"CorporateActions",
	"OpenPositions",
	"SecuritiesInfo",
	"Trades",
}

// reconciliationSections are additionally required when reconciliation
// checks are enabled.
var reconciliationSections = []string{
	"FIFOPerformanceSummaryInBase",
	"MTMPerformanceSummaryInBase",
}

// PreflightResult reports section coverage of a parsed document. The two
// missing categories are kept apart so diagnostics can tell a structurally
// unusable statement from one that only lacks reconciliation inputs;
// MissingSections is their merged, sorted union.
type PreflightResult struct {
	OK                            bool     `json:"ok"`
	MissingHardRequired           []string `json:"missing_hard_required"`
	MissingReconciliationRequired []string `json:"missing_reconciliation_required"`
	MissingSections               []string `json:"missing_sections"`
	DetectedSections              []string `json:"detected_sections"`
}

// RunPreflight checks the parsed document for the required section sets.
// Missing and detected lists are sorted for deterministic diagnostics.
func RunPreflight(report *Report, reconciliationEnabled bool) PreflightResult {
	detected := map[string]bool{}
	for _, section := range report.DetectedSections() {
		detected[section] = true
	}

	missingHard := missingFrom(hardRequiredSections, detected)
	var missingReconciliation []string
	if reconciliationEnabled {
		missingReconciliation = missingFrom(reconciliationSections, detected)
	}

	merged := append(append([]string(nil), missingHard...), missingReconciliation...)
	sort.Strings(merged)

	return PreflightResult{
		OK:                            len(merged) == 0,
		MissingHardRequired:           missingHard,
		MissingReconciliationRequired: missingReconciliation,
		MissingSections:               merged,
		DetectedSections:              sortedKeys(detected),
	}
}

func missingFrom(required []string, detected map[string]bool) []string {
	var missing []string
	for _, section := range required {
		if !detected[section] {
			missing = append(missing, section)
		}
	}
	sort.Strings(missing)
	return missing
}

func sortedKeys(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
