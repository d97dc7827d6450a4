package calibrate

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/23skdu/longbow-quant/internal/tensor"
)

// DefaultBins is the Histogram bin count.
const DefaultBins = 2048

const (
	// quantLevels is the number of 8-bit levels on one side of zero.
	quantLevels = 128
	smoothEps   = 1e-4
)

// Histogram tracks a histogram of absolute values and clips the observed
// range to the threshold whose 8-bit quantization loses the least
// information, measured by Kullback-Leibler divergence.
type Histogram struct {
	stats
	hists []*histogram
	count int
}

// NewHistogram returns a per-tensor Histogram observer with DefaultBins bins
// unless PerChannel or WithBins is given.
func NewHistogram(opts ...Option) *Histogram {
	return &Histogram{stats: newStats(opts)}
}

func (o *Histogram) Observe(t *tensor.Tensor) error {
	bmin, bmax, err := o.batch(t)
	if err != nil {
		return err
	}
	if o.count == 0 {
		o.hists = make([]*histogram, len(bmin))
		for c := range o.hists {
			o.hists[c] = &histogram{bins: make([]float64, o.bins)}
		}
	} else if len(bmin) != len(o.hists) {
		return fmt.Errorf("calibrate: observe %s: %d channels, previously %d", t, len(bmin), len(o.hists))
	}
	lows, highs := clone(bmin), clone(bmax)
	err = o.each(t, func(c, _ int, vals []float64) {
		o.hists[c].add(vals, float64(lows[c]), float64(highs[c]))
	})
	if err != nil {
		return err
	}
	o.count++
	return nil
}

// Range returns the observed range clipped to [-T, T] per slot. Slots that
// only saw zeros report their exact range.
func (o *Histogram) Range() (mins, maxs []float32, err error) {
	if o.count == 0 {
		return nil, nil, ErrNoData
	}
	mins = make([]float32, len(o.hists))
	maxs = make([]float32, len(o.hists))
	for c, h := range o.hists {
		lo, hi := h.min, h.max
		if h.width > 0 {
			t := h.threshold(quantLevels)
			if clo, chi := math.Max(lo, -t), math.Min(hi, t); clo <= chi {
				lo, hi = clo, chi
			}
		}
		mins[c], maxs[c] = float32(lo), float32(hi)
	}
	return mins, maxs, nil
}

func (o *Histogram) Reset() {
	o.count = 0
	o.hists = nil
}

// histogram counts |x| in equal-width bins starting at zero. The width is set
// by the first non-zero batch and doubles whenever a batch exceeds the
// covered range.
type histogram struct {
	bins     []float64
	width    float64
	min, max float64
	count    int
}

func (h *histogram) add(vals []float64, lo, hi float64) {
	if h.count == 0 {
		h.min, h.max = lo, hi
	} else {
		h.min, h.max = math.Min(h.min, lo), math.Max(h.max, hi)
	}
	n := len(h.bins)
	if amax := math.Max(math.Abs(lo), math.Abs(hi)); amax > 0 {
		if h.width == 0 {
			h.width = amax / float64(n)
		}
		for amax > h.width*float64(n) {
			h.rebin()
		}
	}
	for _, v := range vals {
		idx := 0
		if h.width > 0 {
			idx = min(int(math.Abs(v)/h.width), n-1)
		}
		h.bins[idx]++
	}
	h.count += len(vals)
}

// rebin merges neighbouring bins and doubles the width.
func (h *histogram) rebin() {
	n := len(h.bins)
	for i := 0; i < n; i += 2 {
		sum := h.bins[i]
		if i+1 < n {
			sum += h.bins[i+1]
		}
		h.bins[i/2] = sum
	}
	clear(h.bins[(n+1)/2:])
	h.width *= 2
}

// threshold returns the clipping point T minimizing KL(P||Q), where P is the
// histogram truncated at T with the clipped mass folded into its last bin
// and Q is the truncated histogram quantized to levels buckets.
func (h *histogram) threshold(levels int) float64 {
	n := len(h.bins)
	best, bestKL := n, math.Inf(1)
	p := make([]float64, n)
	q := make([]float64, n)
	for i := levels; i <= n; i++ {
		p = p[:i]
		copy(p, h.bins[:i])
		p[i-1] += floats.Sum(h.bins[i:])

		q = q[:i]
		clear(q)
		per := i / levels
		for j := 0; j < levels; j++ {
			start, end := j*per, (j+1)*per
			if j == levels-1 {
				end = i
			}
			span := h.bins[start:end]
			nonzero := 0
			for _, b := range span {
				if b != 0 {
					nonzero++
				}
			}
			if nonzero == 0 {
				continue
			}
			avg := floats.Sum(span) / float64(nonzero)
			for k, b := range span {
				if b != 0 {
					q[start+k] = avg
				}
			}
		}

		smooth(p)
		smooth(q)
		if kl := stat.KullbackLeibler(p, q); kl < bestKL {
			best, bestKL = i, kl
		}
	}
	return float64(best) * h.width
}

// smooth replaces empty buckets with a small mass and normalizes d to sum
// to one.
func smooth(d []float64) {
	for i, v := range d {
		if v == 0 {
			d[i] = smoothEps
		}
	}
	floats.Scale(1/floats.Sum(d), d)
}
