// Package aggregate maintains the permanent rollups fed by canonical trades.
//
// Every metric is an accumulator with a Merge that is associative and
// commutative, so partial states built by different workers, in any order,
// combine to the same totals. Redelivery of a trade is absorbed before merge
// time: stores apply each (trade, handler) claim at most once.
package aggregate

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polydearboard/internal/domain"
)

// Sum is a decimal total.
type Sum struct {
	Value decimal.Decimal
}

// SumOf starts a Sum at d.
func SumOf(d decimal.Decimal) Sum { return Sum{Value: d} }

func (s Sum) Merge(o Sum) Sum { return Sum{Value: s.Value.Add(o.Value)} }

// Count is an event counter.
type Count int64

func (c Count) Merge(o Count) Count { return c + o }

// MinTime keeps the earliest real timestamp. The zero value and the epoch
// sentinel are both treated as "no observation".
type MinTime struct {
	T time.Time
}

// MinOf starts a MinTime at t, ignoring the epoch sentinel.
func MinOf(t time.Time) MinTime {
	if domain.IsEpoch(t) {
		return MinTime{}
	}
	return MinTime{T: t.UTC()}
}

func (m MinTime) Merge(o MinTime) MinTime {
	switch {
	case o.T.IsZero():
		return m
	case m.T.IsZero() || o.T.Before(m.T):
		return o
	}
	return m
}

// MaxTime keeps the latest real timestamp.
type MaxTime struct {
	T time.Time
}

// MaxOf starts a MaxTime at t, ignoring the epoch sentinel.
func MaxOf(t time.Time) MaxTime {
	if domain.IsEpoch(t) {
		return MaxTime{}
	}
	return MaxTime{T: t.UTC()}
}

func (m MaxTime) Merge(o MaxTime) MaxTime {
	if o.T.After(m.T) {
		return o
	}
	return m
}

// MaxUint64 keeps the largest value seen.
type MaxUint64 uint64

func (m MaxUint64) Merge(o MaxUint64) MaxUint64 {
	if o > m {
		return o
	}
	return m
}

// Distinct is an exact set of members. Merge never mutates its operands.
type Distinct map[string]struct{}

// DistinctOf builds a set from members.
func DistinctOf(members ...string) Distinct {
	d := make(Distinct, len(members))
	for _, m := range members {
		d[m] = struct{}{}
	}
	return d
}

func (d Distinct) Merge(o Distinct) Distinct {
	out := make(Distinct, len(d)+len(o))
	for k := range d {
		out[k] = struct{}{}
	}
	for k := range o {
		out[k] = struct{}{}
	}
	return out
}

// Len is the number of distinct members.
func (d Distinct) Len() int64 { return int64(len(d)) }

// Members lists the set in no particular order.
func (d Distinct) Members() []string {
	out := make([]string, 0, len(d))
	for k := range d {
		out = append(out, k)
	}
	return out
}

// Versioned is an argmax-by-version register: the value with the highest
// version wins. Two observations of the same version come from the same log
// and carry the same value.
type Versioned[T any] struct {
	Value   T
	Version uint64
	Set     bool
}

// VersionedOf starts a register at value/version.
func VersionedOf[T any](value T, version uint64) Versioned[T] {
	return Versioned[T]{Value: value, Version: version, Set: true}
}

func (v Versioned[T]) Merge(o Versioned[T]) Versioned[T] {
	if !o.Set {
		return v
	}
	if !v.Set || o.Version > v.Version {
		return o
	}
	return v
}

// Accepts reports whether an incoming version would overwrite v.
func (v Versioned[T]) Accepts(version uint64) bool {
	return !v.Set || version > v.Version
}
