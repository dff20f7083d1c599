package domain

import (
	"strings"
	"time"
)

// TokenPrefixLen is the number of leading digits used to key market metadata.
// Upstream feeds sometimes round token ids through a float, which keeps only
// about fifteen significant digits.
const TokenPrefixLen = 15

// TokenPrefix returns the metadata lookup key for a token id.
func TokenPrefix(assetID string) string {
	id := strings.TrimSpace(assetID)
	// "1.2345e+75" style ids: drop the exponent and the decimal point.
	if i := strings.IndexAny(id, "eE"); i > 0 {
		id = id[:i]
	}
	id = strings.Replace(id, ".", "", 1)
	if len(id) > TokenPrefixLen {
		return id[:TokenPrefixLen]
	}
	return id
}

// MarketInfo is the best-effort display metadata for one outcome token.
type MarketInfo struct {
	AssetID      string    `json:"asset_id"`
	ConditionID  string    `json:"condition_id"`
	OutcomeIndex int       `json:"outcome_index"`
	Question     string    `json:"question"`
	Outcome      string    `json:"outcome"`
	Category     string    `json:"category"`
	EventTitle   string    `json:"event_title"`
	Active       bool      `json:"active"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Prefix is the catalog key of the token.
func (m MarketInfo) Prefix() string { return TokenPrefix(m.AssetID) }
