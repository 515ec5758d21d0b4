package kinds

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"opsched/internal/fft"
	"opsched/internal/sched"
)

// FFTParams configures an FFT task.
type FFTParams struct {
	Inputs     []string `json:"inputs"`
	WindowSize int      `json:"window_size,omitempty"`
}

// FFTFile tracks one input and the spectrum written for it.
type FFTFile struct {
	Input   string  `json:"input"`
	Output  string  `json:"output"`
	Written bool    `json:"written"`
	PeakHz  float64 `json:"peak_hz,omitempty"`
	Windows int     `json:"windows,omitempty"`
}

// FFTState is the resumable state of an FFT task: files already written are
// skipped when the body runs again after a pause or preemption.
type FFTState struct {
	mu         sync.Mutex
	windowSize int
	files      []FFTFile
}

type fftJSON struct {
	WindowSize int       `json:"window_size"`
	Files      []FFTFile `json:"files"`
}

// OutputPath maps song.wav to song_output.csv next to it.
func OutputPath(input string) string {
	ext := filepath.Ext(input)
	return strings.TrimSuffix(input, ext) + "_output.csv"
}

// FileURI is the resource name of a local file.
func FileURI(path string) string {
	return "file://" + filepath.ToSlash(path)
}

func newFFTState(p FFTParams) (*FFTState, error) {
	if len(p.Inputs) == 0 {
		return nil, fmt.Errorf("%w: fft needs at least one input", ErrInvalidRequest)
	}
	if p.WindowSize == 0 {
		p.WindowSize = fft.DefaultWindowSize
	}
	if p.WindowSize < 2 || p.WindowSize&(p.WindowSize-1) != 0 {
		return nil, fmt.Errorf("%w: window size %d is not a power of two", ErrInvalidRequest, p.WindowSize)
	}
	st := &FFTState{windowSize: p.WindowSize}
	seen := make(map[string]bool)
	for _, in := range p.Inputs {
		if !strings.EqualFold(filepath.Ext(in), ".wav") {
			return nil, fmt.Errorf("%w: %q is not a .wav file", ErrInvalidRequest, in)
		}
		abs, err := filepath.Abs(in)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		if seen[abs] {
			continue
		}
		seen[abs] = true
		st.files = append(st.files, FFTFile{Input: abs, Output: OutputPath(abs)})
	}
	return st, nil
}

// Resources lists the input and output URIs the task must own.
func (s *FFTState) Resources() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, 2*len(s.files))
	for _, f := range s.files {
		out = append(out, FileURI(f.Input), FileURI(f.Output))
	}
	return out
}

func (s *FFTState) Files() []FFTFile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]FFTFile(nil), s.files...)
}

func (s *FFTState) MarshalJSON() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return json.Marshal(fftJSON{WindowSize: s.windowSize, Files: s.files})
}

func (s *FFTState) UnmarshalJSON(b []byte) error {
	var v fftJSON
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.windowSize, s.files = v.WindowSize, v.Files
	return nil
}

func (s *FFTState) markWritten(i int, peak float64, windows int) (done, total int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[i].Written = true
	s.files[i].PeakHz = peak
	s.files[i].Windows = windows
	for _, f := range s.files {
		if f.Written {
			done++
		}
	}
	return done, len(s.files)
}

// FFT is the body of fft tasks. Each input is decoded, transformed window by
// window and written as CSV while the task holds both the input and the output.
func FFT(state any, tok *sched.Token) error {
	st, ok := state.(*FFTState)
	if !ok {
		return fmt.Errorf("fft: unexpected state %T", state)
	}
	cores := tok.Task().Settings().Cores()
	for i, f := range st.Files() {
		if f.Written {
			continue
		}
		if err := tok.Err(); err != nil {
			return err
		}
		var peak float64
		var windows int
		err := tok.LockResources([]string{FileURI(f.Input), FileURI(f.Output)}, func() error {
			audio, err := fft.ReadWAVFile(f.Input)
			if err != nil {
				return err
			}
			spectrum, err := fft.Spectrum(audio.Samples, float64(audio.SampleRate), st.windowSize, cores, tok.Err)
			if err != nil {
				return err
			}
			if err := writeSpectrum(f.Output, spectrum); err != nil {
				return err
			}
			peak, windows = fft.Peak(spectrum), len(spectrum)
			return nil
		})
		if err != nil {
			return err
		}
		done, total := st.markWritten(i, peak, windows)
		tok.ReportProgress(float64(done) * 100 / float64(total))
	}
	return nil
}

func writeSpectrum(path string, spectrum []fft.Window) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".fft-*.csv")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if err := fft.WriteCSV(tmp, spectrum); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
