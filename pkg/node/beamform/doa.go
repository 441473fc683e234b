package beamform

import (
	"math"
	"math/cmplx"

	"github.com/mjibson/go-dsp/fft"
)

// doaStepDeg is the resolution of the candidate direction grid.
const doaStepDeg = 5

// doaMinPower is the mean-square level (int16 units) below which a block is
// treated as silence and the previous estimate is kept.
const doaMinPower = 4.0

// doaEstimator performs a steered-response search over GCC-PHAT
// cross-correlations of every microphone pair. expected[a][p] is the lag of
// pair p for candidate angle a.
type doaEstimator struct {
	g        Geometry
	rate     int
	size     int
	pairs    [][2]int
	angles   []float64
	expected [][]float64
}

func newDOAEstimator(g Geometry, rate, blockSamples int) *doaEstimator {
	size := 1
	for size < 2*blockSamples {
		size <<= 1
	}
	d := &doaEstimator{g: g, rate: rate, size: size}
	for i := range g.Mics {
		for j := i + 1; j < len(g.Mics); j++ {
			d.pairs = append(d.pairs, [2]int{i, j})
		}
	}
	limit := 360
	if g.Linear {
		limit = 181
	}
	for a := 0; a < limit; a += doaStepDeg {
		d.angles = append(d.angles, float64(a))
	}
	d.expected = make([][]float64, len(d.angles))
	for a, deg := range d.angles {
		lags := make([]float64, len(d.pairs))
		for p, pr := range d.pairs {
			lags[p] = g.arrivalDelay(pr[0], deg, rate) - g.arrivalDelay(pr[1], deg, rate)
		}
		d.expected[a] = lags
	}
	return d
}

// estimate returns the best candidate angle in geometry coordinates and
// whether the block carried enough energy to decide.
func (d *doaEstimator) estimate(chans [][]float64) (float64, bool) {
	mics := len(d.g.Mics)
	spectra := make([][]complex128, mics)
	var power float64
	for m := range mics {
		x := make([]float64, d.size)
		src := chans[m]
		var mean float64
		for _, v := range src {
			mean += v
		}
		mean /= float64(len(src))
		for i, v := range src {
			x[i] = v - mean
			power += x[i] * x[i]
		}
		spectra[m] = fft.FFTReal(x)
	}
	if power/float64(mics*len(chans[0])) < doaMinPower {
		return 0, false
	}

	corr := make([][]float64, len(d.pairs))
	cross := make([]complex128, d.size)
	for p, pr := range d.pairs {
		xi, xj := spectra[pr[0]], spectra[pr[1]]
		for k := range cross {
			c := xi[k] * cmplx.Conj(xj[k])
			if mag := cmplx.Abs(c); mag > 1e-12 {
				cross[k] = c / complex(mag, 0)
			} else {
				cross[k] = 0
			}
		}
		r := fft.IFFT(cross)
		corr[p] = make([]float64, d.size)
		for k, v := range r {
			corr[p][k] = real(v)
		}
	}

	best, bestScore := 0, math.Inf(-1)
	for a := range d.angles {
		var score float64
		for p := range d.pairs {
			score += interpLag(corr[p], d.expected[a][p])
		}
		if score > bestScore {
			best, bestScore = a, score
		}
	}
	return d.angles[best], true
}

// interpLag linearly interpolates a circular correlation at a fractional lag.
func interpLag(r []float64, lag float64) float64 {
	n := len(r)
	l0 := math.Floor(lag)
	f := lag - l0
	i0 := ((int(l0) % n) + n) % n
	i1 := (i0 + 1) % n
	return r[i0]*(1-f) + r[i1]*f
}
