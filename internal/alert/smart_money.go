package alert

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/polydearboard/internal/domain"
)

const (
	// DefaultSmartMoneyTopN is how many top traders by PnL are watched.
	DefaultSmartMoneyTopN = 20
	// MaxSmartMoneyTopN caps the ranked set.
	MaxSmartMoneyTopN = 50
	// DefaultSmartMoneyRefresh is how long a ranking is reused.
	DefaultSmartMoneyRefresh = 10 * time.Minute
)

// SmartMoneyConfig selects the traders whose trades count towards
// convergence. A non-empty Traders list is used as is and never refreshed;
// otherwise the TopN traders by mark-to-market PnL are ranked from the
// aggregate tables every Refresh.
type SmartMoneyConfig struct {
	Traders []string
	TopN    int
	Refresh time.Duration
	// Exclude is left out of the ranking (exchange contracts, relayers).
	Exclude []string
}

func (c SmartMoneyConfig) withDefaults() SmartMoneyConfig {
	switch {
	case c.TopN <= 0:
		c.TopN = DefaultSmartMoneyTopN
	case c.TopN > MaxSmartMoneyTopN:
		c.TopN = MaxSmartMoneyTopN
	}
	if c.Refresh <= 0 {
		c.Refresh = DefaultSmartMoneyRefresh
	}
	return c
}

// SmartMoney is the watched trader set. It is empty until the first
// successful refresh, so nothing converges before a ranking exists.
type SmartMoney struct {
	cfg    SmartMoneyConfig
	ranker domain.TraderRanker
	fixed  bool
	set    atomic.Pointer[map[string]struct{}]

	mu          sync.Mutex
	refreshedAt time.Time
	now         func() time.Time
	logger      *slog.Logger
}

// NewSmartMoney creates the set. ranker may be nil only when cfg.Traders is
// set.
func NewSmartMoney(cfg SmartMoneyConfig, ranker domain.TraderRanker, logger *slog.Logger) *SmartMoney {
	s := &SmartMoney{
		cfg:    cfg.withDefaults(),
		ranker: ranker,
		now:    time.Now,
		logger: logger.With(slog.String("component", "smart_money")),
	}
	if len(cfg.Traders) > 0 {
		s.fixed = true
		s.store(cfg.Traders)
	} else {
		s.store(nil)
	}
	return s
}

func (s *SmartMoney) store(traders []string) {
	set := make(map[string]struct{}, len(traders))
	for _, t := range traders {
		t = strings.TrimSpace(t)
		if common.IsHexAddress(t) {
			t = strings.ToLower(common.HexToAddress(t).Hex())
		}
		if t != "" {
			set[t] = struct{}{}
		}
	}
	s.set.Store(&set)
}

// Contains reports whether trader is watched. trader must be in lower-case 0x
// form, as produced by the normalizer.
func (s *SmartMoney) Contains(trader string) bool {
	if s == nil {
		return false
	}
	_, ok := (*s.set.Load())[trader]
	return ok
}

// Size returns the number of watched traders.
func (s *SmartMoney) Size() int {
	if s == nil {
		return 0
	}
	return len(*s.set.Load())
}

// Refresh re-ranks the set now. A fixed list is left alone. On error the
// previous set stays in place.
func (s *SmartMoney) Refresh(ctx context.Context) error {
	if s == nil || s.fixed {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshLocked(ctx)
}

// RefreshIfStale re-ranks when the last ranking is older than the refresh
// interval.
func (s *SmartMoney) RefreshIfStale(ctx context.Context) error {
	if s == nil || s.fixed {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.refreshedAt.IsZero() && s.now().Sub(s.refreshedAt) < s.cfg.Refresh {
		return nil
	}
	return s.refreshLocked(ctx)
}

func (s *SmartMoney) refreshLocked(ctx context.Context) error {
	if s.ranker == nil {
		return fmt.Errorf("alert: smart money: no trader ranking available")
	}
	top, err := s.ranker.TopTradersByPnL(ctx, s.cfg.TopN, s.cfg.Exclude)
	if err != nil {
		return fmt.Errorf("alert: smart money ranking: %w", err)
	}
	s.store(top)
	s.refreshedAt = s.now()
	s.logger.DebugContext(ctx, "smart money ranked", slog.Int("traders", len(top)))
	return nil
}
