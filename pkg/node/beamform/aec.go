package beamform

// nlms is a normalised least-mean-squares echo canceller for one microphone
// channel against a single loopback reference.
type nlms struct {
	w    []float64
	mu   float64
	hist []float64 // most recent reference sample first
	pow  float64   // running sum of squares over hist
}

func newNLMS(taps int, mu float64) *nlms {
	return &nlms{
		w:    make([]float64, taps),
		mu:   mu,
		hist: make([]float64, taps),
	}
}

const nlmsEps = 1e-6

// cancel removes the echo of ref from mic in place.
func (f *nlms) cancel(mic, ref []float64) {
	taps := len(f.w)
	for n := range mic {
		oldest := f.hist[taps-1]
		copy(f.hist[1:], f.hist[:taps-1])
		f.hist[0] = ref[n]
		f.pow += ref[n]*ref[n] - oldest*oldest
		if f.pow < 0 {
			f.pow = 0
		}

		var y float64
		for k, w := range f.w {
			y += w * f.hist[k]
		}
		e := mic[n] - y
		g := f.mu * e / (f.pow + nlmsEps)
		for k := range f.w {
			f.w[k] += g * f.hist[k]
		}
		mic[n] = e
	}
}

// echoCanceller runs one NLMS filter per microphone against the mean of the
// reference channels.
type echoCanceller struct {
	filters []*nlms
	ref     []float64
}

func newEchoCanceller(mics, taps int, mu float64) *echoCanceller {
	ec := &echoCanceller{filters: make([]*nlms, mics)}
	for i := range ec.filters {
		ec.filters[i] = newNLMS(taps, mu)
	}
	return ec
}

// process cancels echo in chans[0:len(filters)] using chans[refs...].
func (ec *echoCanceller) process(chans [][]float64, refs []int) {
	n := len(chans[0])
	if cap(ec.ref) < n {
		ec.ref = make([]float64, n)
	}
	ref := ec.ref[:n]
	for i := range ref {
		var s float64
		for _, r := range refs {
			s += chans[r][i]
		}
		ref[i] = s / float64(len(refs))
	}
	for m, f := range ec.filters {
		f.cancel(chans[m], ref)
	}
}
