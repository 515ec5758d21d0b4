// Package fft computes windowed magnitude spectra of PCM signals.
package fft

import (
	"errors"
	"fmt"
	"math"
	"math/cmplx"
	"sync"
)

const (
	DefaultWindowSize = 4096
	DefaultSampleRate = 44100
)

var (
	ErrWindowSize  = errors.New("fft: window size must be a power of two >= 2")
	ErrShortSignal = errors.New("fft: signal shorter than one window")
)

// Component is one spectral bin of one window.
type Component struct {
	Frequency float64
	Magnitude float64
}

// Window holds the positive-frequency half of one window's spectrum.
type Window struct {
	Index      int
	Components []Component
}

// Transform runs an in-place iterative radix-2 FFT. len(x) must be a power of two.
func Transform(x []complex128) {
	n := len(x)
	for i, j := 1, 0; i < n; i++ {
		bit := n >> 1
		for ; j&bit != 0; bit >>= 1 {
			j ^= bit
		}
		j ^= bit
		if i < j {
			x[i], x[j] = x[j], x[i]
		}
	}
	for size := 2; size <= n; size <<= 1 {
		step := cmplx.Exp(complex(0, -2*math.Pi/float64(size)))
		for start := 0; start < n; start += size {
			w := complex(1, 0)
			for k := 0; k < size/2; k++ {
				even, odd := x[start+k], w*x[start+k+size/2]
				x[start+k] = even + odd
				x[start+k+size/2] = even - odd
				w *= step
			}
		}
	}
}

func validWindow(size int) bool {
	return size >= 2 && size&(size-1) == 0
}

// Spectrum splits signal into consecutive windows and transforms each one.
// Trailing samples that do not fill a window are ignored. With workers > 1 the
// windows are spread over that many goroutines; the result order is stable.
// check is polled between windows; a non-nil return aborts the computation.
func Spectrum(signal []float64, sampleRate float64, windowSize, workers int, check func() error) ([]Window, error) {
	if !validWindow(windowSize) {
		return nil, fmt.Errorf("%w: %d", ErrWindowSize, windowSize)
	}
	count := len(signal) / windowSize
	if count == 0 {
		return nil, fmt.Errorf("%w: %d samples, window %d", ErrShortSignal, len(signal), windowSize)
	}
	if workers < 1 {
		workers = 1
	}
	if workers > count {
		workers = count
	}
	if check == nil {
		check = func() error { return nil }
	}

	out := make([]Window, count)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			buf := make([]complex128, windowSize)
			for i := w; i < count; i += workers {
				if err := check(); err != nil {
					errs[w] = err
					return
				}
				out[i] = window(signal[i*windowSize:(i+1)*windowSize], buf, sampleRate, i)
			}
		}(w)
	}
	wg.Wait()
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return out, nil
}

func window(samples []float64, buf []complex128, sampleRate float64, index int) Window {
	n := len(samples)
	for i, s := range samples {
		buf[i] = complex(s, 0)
	}
	Transform(buf)
	comps := make([]Component, n/2)
	for k := range comps {
		comps[k] = Component{
			Frequency: float64(k) * sampleRate / float64(n),
			Magnitude: cmplx.Abs(buf[k]) / float64(n),
		}
	}
	return Window{Index: index, Components: comps}
}

// Peak returns the frequency with the largest magnitude across all windows, ignoring DC.
func Peak(windows []Window) float64 {
	var best Component
	for _, w := range windows {
		for _, c := range w.Components[1:] {
			if c.Magnitude > best.Magnitude {
				best = c
			}
		}
	}
	return best.Frequency
}
