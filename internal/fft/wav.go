package fft

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
)

var ErrUnsupportedWAV = errors.New("fft: unsupported wav file")

// Audio is a decoded signal, downmixed to one channel and scaled to [-1, 1).
type Audio struct {
	SampleRate int
	Samples    []float64
}

// ReadWAVFile decodes a 16-bit PCM RIFF/WAVE file.
func ReadWAVFile(path string) (*Audio, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	audio, err := ReadWAV(bufio.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return audio, nil
}

type wavFormat struct {
	AudioFormat   uint16
	Channels      uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
}

// ReadWAV decodes a 16-bit PCM stream. Multi-channel audio is averaged into one channel.
func ReadWAV(r io.Reader) (*Audio, error) {
	var header [12]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, fmt.Errorf("read riff header: %w", err)
	}
	if string(header[0:4]) != "RIFF" || string(header[8:12]) != "WAVE" {
		return nil, fmt.Errorf("%w: missing RIFF/WAVE magic", ErrUnsupportedWAV)
	}

	var format *wavFormat
	for {
		var chunk [8]byte
		if _, err := io.ReadFull(r, chunk[:]); err != nil {
			return nil, fmt.Errorf("%w: no data chunk", ErrUnsupportedWAV)
		}
		id := string(chunk[0:4])
		size := binary.LittleEndian.Uint32(chunk[4:8])

		switch id {
		case "fmt ":
			body := make([]byte, size)
			if _, err := io.ReadFull(r, body); err != nil {
				return nil, fmt.Errorf("read fmt chunk: %w", err)
			}
			if size < 16 {
				return nil, fmt.Errorf("%w: fmt chunk of %d bytes", ErrUnsupportedWAV, size)
			}
			format = &wavFormat{
				AudioFormat:   binary.LittleEndian.Uint16(body[0:2]),
				Channels:      binary.LittleEndian.Uint16(body[2:4]),
				SampleRate:    binary.LittleEndian.Uint32(body[4:8]),
				ByteRate:      binary.LittleEndian.Uint32(body[8:12]),
				BlockAlign:    binary.LittleEndian.Uint16(body[12:14]),
				BitsPerSample: binary.LittleEndian.Uint16(body[14:16]),
			}
			if format.AudioFormat != 1 || format.BitsPerSample != 16 || format.Channels == 0 {
				return nil, fmt.Errorf("%w: format %d, %d bits, %d channels",
					ErrUnsupportedWAV, format.AudioFormat, format.BitsPerSample, format.Channels)
			}
		case "data":
			if format == nil {
				return nil, fmt.Errorf("%w: data before fmt", ErrUnsupportedWAV)
			}
			return decodePCM16(r, size, format)
		default:
			if _, err := io.CopyN(io.Discard, r, int64(size+size%2)); err != nil {
				return nil, fmt.Errorf("skip %q chunk: %w", id, err)
			}
			continue
		}
		if size%2 == 1 {
			if _, err := io.CopyN(io.Discard, r, 1); err != nil {
				return nil, err
			}
		}
	}
}

func decodePCM16(r io.Reader, size uint32, format *wavFormat) (*Audio, error) {
	channels := int(format.Channels)
	frames := int(size) / (2 * channels)
	raw := make([]int16, frames*channels)
	if err := binary.Read(r, binary.LittleEndian, raw); err != nil {
		return nil, fmt.Errorf("read samples: %w", err)
	}
	samples := make([]float64, frames)
	for i := range samples {
		var sum float64
		for c := 0; c < channels; c++ {
			sum += float64(raw[i*channels+c])
		}
		samples[i] = sum / float64(channels) / 32768
	}
	return &Audio{SampleRate: int(format.SampleRate), Samples: samples}, nil
}

// WriteWAV encodes mono samples in [-1, 1] as 16-bit PCM.
func WriteWAV(w io.Writer, sampleRate int, samples []float64) error {
	dataSize := uint32(len(samples) * 2)
	header := struct {
		Riff     [4]byte
		Size     uint32
		Wave     [4]byte
		Fmt      [4]byte
		FmtSize  uint32
		Format   wavFormat
		Data     [4]byte
		DataSize uint32
	}{
		Riff:    [4]byte{'R', 'I', 'F', 'F'},
		Size:    36 + dataSize,
		Wave:    [4]byte{'W', 'A', 'V', 'E'},
		Fmt:     [4]byte{'f', 'm', 't', ' '},
		FmtSize: 16,
		Format: wavFormat{
			AudioFormat:   1,
			Channels:      1,
			SampleRate:    uint32(sampleRate),
			ByteRate:      uint32(sampleRate * 2),
			BlockAlign:    2,
			BitsPerSample: 16,
		},
		Data:     [4]byte{'d', 'a', 't', 'a'},
		DataSize: dataSize,
	}
	if err := binary.Write(w, binary.LittleEndian, header); err != nil {
		return err
	}
	pcm := make([]int16, len(samples))
	for i, s := range samples {
		pcm[i] = int16(math.Max(-1, math.Min(s, 32767.0/32768)) * 32768)
	}
	return binary.Write(w, binary.LittleEndian, pcm)
}

// Sine generates n samples of a sine wave at freq Hz.
func Sine(freq float64, sampleRate, n int, amplitude float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = amplitude * math.Sin(2*math.Pi*freq*float64(i)/float64(sampleRate))
	}
	return out
}
