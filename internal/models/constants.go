package models

// MatchMethod records how a channel-to-EPG mapping was found.
type MatchMethod string

const (
	MatchExact    MatchMethod = "exact"
	MatchFuzzy    MatchMethod = "fuzzy"
	MatchContains MatchMethod = "contains"
	MatchVariant  MatchMethod = "variant"
	MatchIcon     MatchMethod = "icon"
	MatchManual   MatchMethod = "manual"
)

// Valid reports whether m is one of the known match methods.
func (m MatchMethod) Valid() bool {
	switch m {
	case MatchExact, MatchFuzzy, MatchContains, MatchVariant, MatchIcon, MatchManual:
		return true
	}
	return false
}

// EPG source import status values.
const (
	ImportStatusIdle      = "idle"
	ImportStatusImporting = "importing"
	ImportStatusCompleted = "completed"
	ImportStatusFailed    = "failed"
)
