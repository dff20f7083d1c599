package polymarket

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/alanyoungcy/polydearboard/internal/domain"
)

// derivativeTag is a structural tag Gamma puts on grouped events; it is never
// a useful category.
const derivativeTag = "Parent For Derivative"

// flexBool unmarshals from JSON bool or string ("true"/"false") so Gamma API
// responses work whether "active" is sent as bool or string.
type flexBool bool

func (f *flexBool) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		*f = flexBool(b)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*f = flexBool(strings.EqualFold(s, "true") || s == "1")
	return nil
}

// APIEvent is an event from the Gamma /events endpoint. Unlike /markets it
// carries tags, which is where the category lives on current markets.
type APIEvent struct {
	ID      string      `json:"id"`
	Title   string      `json:"title"`
	Slug    string      `json:"slug"`
	Active  *flexBool   `json:"active"`
	Closed  bool        `json:"closed"`
	Tags    []APITag    `json:"tags"`
	Markets []APIMarket `json:"markets"`
}

// APITag is one Gamma tag.
type APITag struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Slug  string `json:"slug"`
}

// APIMarket is a market nested in an event or returned by /markets.
type APIMarket struct {
	ID          string    `json:"id"`
	Question    string    `json:"question"`
	ConditionID string    `json:"conditionId"`
	Slug        string    `json:"slug"`
	Active      *flexBool `json:"active"`
	Closed      *flexBool `json:"closed"`
	// Outcomes and ClobTokenIDs are JSON arrays encoded as strings, e.g.
	// "[\"Yes\",\"No\"]".
	Outcomes     string `json:"outcomes"`
	ClobTokenIDs string `json:"clobTokenIds"`
	UpdatedAt    string `json:"updatedAt"`
}

// Category is the first tag label other than the derivative marker.
func (e *APIEvent) Category() string {
	for _, t := range e.Tags {
		if t.Label != "" && t.Label != derivativeTag {
			return t.Label
		}
	}
	return ""
}

// IsActive treats missing flags as open and active.
func (m *APIMarket) IsActive() bool {
	closed := m.Closed != nil && bool(*m.Closed)
	active := m.Active == nil || bool(*m.Active)
	return !closed && active
}

// TokenIDs decodes ClobTokenIDs; malformed input yields nil.
func (m *APIMarket) TokenIDs() []string { return decodeStringArray(m.ClobTokenIDs) }

// OutcomeNames decodes Outcomes; malformed input yields nil.
func (m *APIMarket) OutcomeNames() []string { return decodeStringArray(m.Outcomes) }

func decodeStringArray(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil
	}
	return out
}

// ToMarketInfos expands a market into one MarketInfo per outcome token.
// fetched stamps rows whose payload has no usable updatedAt.
func (m *APIMarket) ToMarketInfos(eventTitle, category string, fetched time.Time) []domain.MarketInfo {
	ids := m.TokenIDs()
	if len(ids) == 0 {
		return nil
	}
	outcomes := m.OutcomeNames()
	updated := fetched.UTC()
	if t, err := time.Parse(time.RFC3339, m.UpdatedAt); err == nil {
		updated = t.UTC()
	}
	active := m.IsActive()

	out := make([]domain.MarketInfo, 0, len(ids))
	for i, id := range ids {
		if id == "" {
			continue
		}
		var outcome string
		if i < len(outcomes) {
			outcome = outcomes[i]
		}
		out = append(out, domain.MarketInfo{
			AssetID:      id,
			ConditionID:  strings.ToLower(m.ConditionID),
			OutcomeIndex: i,
			Question:     m.Question,
			Outcome:      outcome,
			Category:     category,
			EventTitle:   eventTitle,
			Active:       active,
			UpdatedAt:    updated,
		})
	}
	return out
}

// ToMarketInfos expands every market of the event.
func (e *APIEvent) ToMarketInfos(fetched time.Time) []domain.MarketInfo {
	category := e.Category()
	var out []domain.MarketInfo
	for i := range e.Markets {
		out = append(out, e.Markets[i].ToMarketInfos(e.Title, category, fetched)...)
	}
	return out
}
