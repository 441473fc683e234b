package beamform

import (
	"math/rand/v2"
	"testing"
)

func TestEchoCancellerConverges(t *testing.T) {
	t.Parallel()

	r := rand.New(rand.NewPCG(7, 7))
	ec := newEchoCanceller(2, 64, 0.5)

	var before, after float64
	for blk := range 40 {
		ref := make([]float64, 128)
		for i := range ref {
			ref[i] = float64(r.IntN(6000) - 3000)
		}
		chans := [][]float64{
			append([]float64(nil), ref...),
			append([]float64(nil), ref...),
			ref,
		}
		for _, v := range chans[0] {
			if blk == 39 {
				before += v * v
			}
		}
		ec.process(chans, []int{2})
		if blk == 39 {
			for _, v := range chans[0] {
				after += v * v
			}
		}
	}
	if after > 0.1*before {
		t.Errorf("residual energy = %.0f, want < 10%% of %.0f", after, before)
	}
}

func TestArrivalDelaySign(t *testing.T) {
	t.Parallel()

	g := Linear6Mic8Beam.Geometry()
	// A source at 0 degrees lies on the positive x axis; the last mic is
	// closest and hears it first.
	if d := g.arrivalDelay(5, 0, 16000); d >= 0 {
		t.Errorf("arrivalDelay(mic 5, 0deg) = %v, want < 0", d)
	}
	if d := g.arrivalDelay(0, 0, 16000); d <= 0 {
		t.Errorf("arrivalDelay(mic 0, 0deg) = %v, want > 0", d)
	}
}
