// Package aggregate implements streaming numeric aggregation over query
// results. The engine extracts one float64 sample per row and feeds it to an
// accumulator; nothing here touches storage, so the same accumulators serve
// both backends.
package aggregate

import (
	"math"

	"github.com/theory-cloud/cqltheory/pkg/errors"
)

// Kind selects the aggregate computed over a sample stream.
type Kind string

const (
	// Sum adds all samples.
	Sum Kind = "SUM"
	// Average is the arithmetic mean.
	Average Kind = "AVG"
	// StandardDeviationPopulation divides the squared deviations by n.
	StandardDeviationPopulation Kind = "STDDEV_POP"
	// StandardDeviationSample divides by n-1 (Bessel's correction).
	StandardDeviationSample Kind = "STDDEV_SAMP"
)

// Strategy selects how an accumulator carries its running state.
type Strategy string

const (
	// StrategyWelford keeps a running mean and M2, numerically stable in a
	// single pass. It is the default.
	StrategyWelford Strategy = "welford"
	// StrategyTwoPass keeps the raw moments (sum and sum of squares) and
	// finalizes from them. Despite the name it never re-reads the stream;
	// the moments carry enough.
	StrategyTwoPass Strategy = "two_pass"
)

// Accumulator consumes samples and produces one aggregate value. Result
// reports false when the aggregate is undefined for the samples seen so far:
// every kind over an empty stream, and the sample standard deviation of a
// single sample.
type Accumulator interface {
	Add(sample float64)
	Result() (float64, bool)
}

// New returns an accumulator for kind using the given strategy. An empty
// strategy means Welford.
func New(kind Kind, strategy Strategy) (Accumulator, error) {
	if err := validKind(kind); err != nil {
		return nil, err
	}
	switch strategy {
	case StrategyWelford, "":
		return NewWelford(kind), nil
	case StrategyTwoPass:
		return NewTwoPass(kind), nil
	default:
		return nil, errors.NewErrorWithContext("aggregate", "", errors.ErrUnsupportedOperation, map[string]any{
			"strategy": string(strategy),
		})
	}
}

// Welford accumulates a running mean and sum of squared deviations (M2).
type Welford struct {
	kind Kind
	n    int64
	sum  float64
	mean float64
	m2   float64
}

// NewWelford returns a Welford accumulator for kind.
func NewWelford(kind Kind) *Welford {
	return &Welford{kind: kind}
}

// Add folds one sample into the running state.
func (w *Welford) Add(sample float64) {
	w.n++
	w.sum += sample
	delta := sample - w.mean
	w.mean += delta / float64(w.n)
	w.m2 += delta * (sample - w.mean)
}

// Result finalizes the aggregate.
func (w *Welford) Result() (float64, bool) {
	return finalize(w.kind, w.n, w.sum, w.mean, w.m2)
}

// TwoPass accumulates the raw moments and derives mean and M2 at finalize
// time. Less stable than Welford for streams whose mean dwarfs the variance,
// but cheaper per sample.
type TwoPass struct {
	kind  Kind
	n     int64
	sum   float64
	sumSq float64
}

// NewTwoPass returns a TwoPass accumulator for kind.
func NewTwoPass(kind Kind) *TwoPass {
	return &TwoPass{kind: kind}
}

// Add folds one sample into the moments.
func (t *TwoPass) Add(sample float64) {
	t.n++
	t.sum += sample
	t.sumSq += sample * sample
}

// Result finalizes the aggregate from the moments.
func (t *TwoPass) Result() (float64, bool) {
	if t.n == 0 {
		return 0, false
	}
	mean := t.sum / float64(t.n)
	// Catastrophic cancellation can push the derived M2 a hair below zero.
	m2 := t.sumSq - t.sum*mean
	if m2 < 0 {
		m2 = 0
	}
	return finalize(t.kind, t.n, t.sum, mean, m2)
}

func finalize(kind Kind, n int64, sum, mean, m2 float64) (float64, bool) {
	if n == 0 {
		return 0, false
	}
	switch kind {
	case Sum:
		return sum, true
	case Average:
		return mean, true
	case StandardDeviationPopulation:
		return math.Sqrt(m2 / float64(n)), true
	case StandardDeviationSample:
		if n < 2 {
			return 0, false
		}
		return math.Sqrt(m2 / float64(n-1)), true
	default:
		return 0, false
	}
}

func validKind(kind Kind) error {
	switch kind {
	case Sum, Average, StandardDeviationPopulation, StandardDeviationSample:
		return nil
	default:
		return errors.NewErrorWithContext("aggregate", "", errors.ErrUnsupportedOperation, map[string]any{
			"kind": string(kind),
		})
	}
}
