package normalize

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/polydearboard/internal/domain"
)

// Registry maps exchange contract addresses to exchange tags per network.
// It is built at startup and read-only afterwards.
type Registry struct {
	byNetwork map[string]map[string]domain.Exchange
	fallback  domain.Exchange
}

// NewRegistry returns an empty registry that answers fallback for unknown
// contracts.
func NewRegistry(fallback domain.Exchange) *Registry {
	return &Registry{
		byNetwork: make(map[string]map[string]domain.Exchange),
		fallback:  fallback,
	}
}

// DefaultRegistry knows the Polygon CTF and NegRisk exchanges and falls back
// to ctf.
func DefaultRegistry() *Registry {
	r := NewRegistry(domain.ExchangeCTF)
	_ = r.Register(domain.NetworkPolygon, domain.CTFExchangeAddress, domain.ExchangeCTF)
	_ = r.Register(domain.NetworkPolygon, domain.NegRiskExchangeAddress, domain.ExchangeNegRisk)
	return r
}

// Register binds a contract on a network to an exchange tag.
func (r *Registry) Register(network, address string, ex domain.Exchange) error {
	if !common.IsHexAddress(address) {
		return fmt.Errorf("normalize: register %s: %q is not an address", network, address)
	}
	if !ex.Valid() {
		return fmt.Errorf("normalize: register %s: unknown exchange %q", network, ex)
	}
	m, ok := r.byNetwork[network]
	if !ok {
		m = make(map[string]domain.Exchange)
		r.byNetwork[network] = m
	}
	m[NormalizeAddress(address)] = ex
	return nil
}

// ExchangeFor returns the exchange tag of a contract. known is false when the
// fallback tag was used.
func (r *Registry) ExchangeFor(network, contract string) (ex domain.Exchange, known bool) {
	if common.IsHexAddress(contract) {
		if ex, ok := r.byNetwork[network][NormalizeAddress(contract)]; ok {
			return ex, true
		}
	}
	return r.fallback, false
}

// Contracts lists the registered contracts of a network.
func (r *Registry) Contracts(network string) []common.Address {
	out := make([]common.Address, 0, len(r.byNetwork[network]))
	for addr := range r.byNetwork[network] {
		out = append(out, common.HexToAddress(addr))
	}
	return out
}
