package ledger

import "time"

// ResolveLocalReportDate formats the given instant as a calendar date in the
// account's reporting timezone. Used as the snapshot date fallback when the
// statement itself carries no report date.
func ResolveLocalReportDate(at time.Time, location *time.Location) string {
	return at.In(location).Format("2006-01-02")
}
