package aggregate

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/polydearboard/internal/domain"
)

// DenyList holds, per network, the addresses kept out of distinct-trader
// counts and asset volume (exchange contracts, relayers). A nil DenyList
// denies nothing.
type DenyList struct {
	byNetwork map[string]map[string]struct{}
}

// NewDenyList builds a deny-list from network → addresses.
func NewDenyList(entries map[string][]string) (*DenyList, error) {
	d := &DenyList{byNetwork: make(map[string]map[string]struct{}, len(entries))}
	for network, addrs := range entries {
		set := make(map[string]struct{}, len(addrs))
		for _, a := range addrs {
			if !common.IsHexAddress(a) {
				return nil, fmt.Errorf("aggregate: deny-list %s: %q is not an address", network, a)
			}
			set[strings.ToLower(common.HexToAddress(a).Hex())] = struct{}{}
		}
		d.byNetwork[network] = set
	}
	return d, nil
}

// DefaultDenyEntries returns the stock Polygon deny-list.
func DefaultDenyEntries() map[string][]string {
	return map[string][]string{
		domain.NetworkPolygon: {
			domain.CTFExchangeAddress,
			domain.NegRiskExchangeAddress,
			domain.RelayerAddress,
		},
	}
}

// Denied reports whether trader is deny-listed on network. trader must be in
// lower-case 0x form, as produced by the normalizer.
func (d *DenyList) Denied(network, trader string) bool {
	if d == nil {
		return false
	}
	_, ok := d.byNetwork[network][trader]
	return ok
}

// Members returns the sorted addresses deny-listed on network.
func (d *DenyList) Members(network string) []string {
	if d == nil {
		return nil
	}
	out := make([]string, 0, len(d.byNetwork[network]))
	for a := range d.byNetwork[network] {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of entries for network.
func (d *DenyList) Len(network string) int {
	if d == nil {
		return 0
	}
	return len(d.byNetwork[network])
}
