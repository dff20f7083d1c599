package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHandlerSet(t *testing.T) {
	var s HandlerSet
	assert.False(t, s.Complete())

	for i, h := range Handlers() {
		assert.False(t, s.Has(h))
		s = s.With(h)
		assert.True(t, s.Has(h))
		assert.Equal(t, i == len(Handlers())-1, s.Complete())
	}
	assert.Equal(t, AllHandlers, s)
	assert.Equal(t, s, s.With(HandlerGlobal), "adding twice is a no-op")
	assert.Equal(t, "pnl_daily", HandlerPnlDaily.String())
	assert.Equal(t, "unknown", handlerCount.String())
}

func TestLedgerEntryState(t *testing.T) {
	e := LedgerEntry{Applied: HandlerLatestPrice.Bit()}
	assert.Equal(t, TradeNormalized, e.State())

	e.Applied = AllHandlers
	assert.Equal(t, TradeAggregated, e.State())
}

func TestVersionOrdersByBlockThenLog(t *testing.T) {
	assert.Less(t, Version(10, 5), Version(10, 6))
	assert.Less(t, Version(10, 999_999), Version(11, 0))
}

func TestTradeDayBucketing(t *testing.T) {
	tr := CanonicalTrade{BlockTimestamp: time.Date(2025, 3, 1, 23, 59, 59, 0, time.UTC)}
	assert.True(t, tr.HasTimestamp())
	assert.Equal(t, time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC), tr.Day())

	missing := CanonicalTrade{BlockTimestamp: Epoch}
	assert.False(t, missing.HasTimestamp())
	assert.Equal(t, Epoch, missing.Day())
}
