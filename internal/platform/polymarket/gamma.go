package polymarket

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/polydearboard/internal/domain"
)

// DefaultGammaURL is the public Gamma API root.
const DefaultGammaURL = "https://gamma-api.polymarket.com"

const rateLimitKey = "gamma"

// GammaConfig configures the Gamma client. Limit requests per Window are
// enforced through the optional shared rate limiter.
type GammaConfig struct {
	BaseURL string
	Timeout time.Duration
	Limit   int
	Window  time.Duration
}

// GammaClient is the REST client for the Polymarket Gamma API, used here only
// for market metadata.
type GammaClient struct {
	cfg        GammaConfig
	httpClient *http.Client
	limiter    domain.RateLimiter
}

// NewGammaClient creates a Gamma client. limiter may be nil.
func NewGammaClient(cfg GammaConfig, limiter domain.RateLimiter) *GammaClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultGammaURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.Limit <= 0 {
		cfg.Limit = 10
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Second
	}
	return &GammaClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    limiter,
	}
}

// GetEvents returns one page of events ordered by 24h volume, highest first.
func (g *GammaClient) GetEvents(ctx context.Context, limit, offset int) ([]APIEvent, error) {
	params := url.Values{}
	params.Set("limit", strconv.Itoa(limit))
	params.Set("offset", strconv.Itoa(offset))
	params.Set("order", "volume24hr")
	params.Set("ascending", "false")

	body, err := g.doGet(ctx, "/events?"+params.Encode())
	if err != nil {
		return nil, fmt.Errorf("polymarket/gamma: get events offset %d: %w", offset, err)
	}

	var events []APIEvent
	if err := json.Unmarshal(body, &events); err != nil {
		return nil, fmt.Errorf("polymarket/gamma: decode events: %w", err)
	}
	return events, nil
}

// GetMarketByToken looks up the market holding tokenID. Category is not
// available on this endpoint and stays empty.
func (g *GammaClient) GetMarketByToken(ctx context.Context, tokenID string) (domain.MarketInfo, error) {
	params := url.Values{}
	params.Set("clob_token_ids", tokenID)

	body, err := g.doGet(ctx, "/markets?"+params.Encode())
	if err != nil {
		return domain.MarketInfo{}, fmt.Errorf("polymarket/gamma: get market by token: %w", err)
	}

	var markets []APIMarket
	if err := json.Unmarshal(body, &markets); err != nil {
		return domain.MarketInfo{}, fmt.Errorf("polymarket/gamma: decode markets: %w", err)
	}
	for i := range markets {
		for _, info := range markets[i].ToMarketInfos("", "", time.Now()) {
			if info.AssetID == tokenID {
				return info, nil
			}
		}
	}
	return domain.MarketInfo{}, fmt.Errorf("polymarket/gamma: token %s: %w", tokenID, domain.ErrNotFound)
}

// GetMarketsByCondition returns one MarketInfo per outcome token of the
// market settled by conditionID, ordered by outcome index. Gamma ignores
// filters it does not recognise, so the condition id of each returned market
// is checked before it is accepted.
func (g *GammaClient) GetMarketsByCondition(ctx context.Context, conditionID string) ([]domain.MarketInfo, error) {
	want := normalizeConditionID(conditionID)
	params := url.Values{}
	params.Set("condition_ids", want)

	body, err := g.doGet(ctx, "/markets?"+params.Encode())
	if err != nil {
		return nil, fmt.Errorf("polymarket/gamma: get markets by condition: %w", err)
	}

	var markets []APIMarket
	if err := json.Unmarshal(body, &markets); err != nil {
		return nil, fmt.Errorf("polymarket/gamma: decode markets: %w", err)
	}
	for i := range markets {
		if normalizeConditionID(markets[i].ConditionID) != want {
			continue
		}
		if infos := markets[i].ToMarketInfos("", "", time.Now()); len(infos) > 0 {
			return infos, nil
		}
	}
	return nil, fmt.Errorf("polymarket/gamma: condition %s: %w", conditionID, domain.ErrNotFound)
}

func normalizeConditionID(id string) string {
	id = strings.ToLower(strings.TrimSpace(id))
	if !strings.HasPrefix(id, "0x") {
		id = "0x" + id
	}
	return id
}

// doGet sends an unauthenticated GET request to the Gamma API.
func (g *GammaClient) doGet(ctx context.Context, path string) ([]byte, error) {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx, rateLimitKey, g.cfg.Limit, g.cfg.Window); err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.cfg.BaseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if err := checkHTTPStatus(resp.StatusCode, body); err != nil {
		return nil, err
	}
	return body, nil
}

// checkHTTPStatus maps non-2xx status codes to domain errors.
func checkHTTPStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}
	msg := string(body)
	if len(msg) > 256 {
		msg = msg[:256]
	}
	switch statusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, msg)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, msg)
	default:
		return fmt.Errorf("HTTP %d: %s", statusCode, msg)
	}
}
