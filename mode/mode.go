// Package mode enumerates the discrete angular modes and frequency channels
// the pipeline operates over, and defines the static partition of modes across
// workers. Each mode m is an independent unit of parallel work.
package mode

import "fmt"

// Index describes the mode and frequency ranges fixed by telescope geometry.
type Index struct {
	// MMax is the largest angular mode; modes run over [0, MMax].
	MMax int
	// LMax is the largest multipole in the sky expansion. The sky space for
	// mode m spans multipoles l in [m, LMax].
	LMax int
	// NTel is the number of telescope degrees of freedom per frequency.
	NTel int

	freqs []float64
}

// NewIndex builds an Index. Frequencies are channel centers in MHz, computed
// from the start frequency and uniform channel width.
func NewIndex(mmax, lmax, ntel, nfreq int, freqStart, freqWidth float64) (*Index, error) {
	if mmax < 0 || lmax < mmax {
		return nil, fmt.Errorf("mode: invalid mode range mmax=%d lmax=%d", mmax, lmax)
	}
	if ntel <= 0 || nfreq <= 0 {
		return nil, fmt.Errorf("mode: invalid geometry ntel=%d nfreq=%d", ntel, nfreq)
	}
	freqs := make([]float64, nfreq)
	for i := range freqs {
		freqs[i] = freqStart + (float64(i)+0.5)*freqWidth
	}
	return &Index{MMax: mmax, LMax: lmax, NTel: ntel, freqs: freqs}, nil
}

// Modes returns all mode indices in ascending order.
func (ix *Index) Modes() []int {
	ms := make([]int, ix.MMax+1)
	for m := range ms {
		ms[m] = m
	}
	return ms
}

// NModes returns the number of modes.
func (ix *Index) NModes() int { return ix.MMax + 1 }

// Frequencies returns the channel center frequencies.
func (ix *Index) Frequencies() []float64 { return ix.freqs }

// NFreq returns the number of frequency channels.
func (ix *Index) NFreq() int { return len(ix.freqs) }

// NSky returns the number of sky degrees of freedom for mode m, the count of
// multipoles l >= m up to LMax. Zero for m > LMax.
func (ix *Index) NSky(m int) int {
	if m > ix.LMax {
		return 0
	}
	return ix.LMax - m + 1
}

// Assign returns the worker that owns mode m under the static round-robin
// partition. The partition is a pure function of (m, nworkers), so all workers
// agree on ownership without coordination.
func Assign(m, nworkers int) int {
	if nworkers <= 1 {
		return 0
	}
	return m % nworkers
}

// Partition returns the modes owned by the given worker.
func (ix *Index) Partition(worker, nworkers int) []int {
	var out []int
	for m := 0; m <= ix.MMax; m++ {
		if Assign(m, nworkers) == worker {
			out = append(out, m)
		}
	}
	return out
}
