package audio

import (
	"bytes"
	"fmt"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/jfreymuth/oggvorbis"
)

// Decoder turns a container into sample data.
type Decoder interface {
	Decode(data []byte) (*Buffer, error)
}

// DecoderFunc adapts a function to Decoder.
type DecoderFunc func(data []byte) (*Buffer, error)

func (f DecoderFunc) Decode(data []byte) (*Buffer, error) { return f(data) }

// Decoders selects a decoder per container format.
type Decoders map[Format]Decoder

// DefaultDecoders handles WAV and Ogg Vorbis. WebM has no decoder and is
// reported as unsupported.
func DefaultDecoders() Decoders {
	return Decoders{
		FormatWAV: DecoderFunc(decodeWAV),
		FormatOgg: DecoderFunc(decodeOgg),
	}
}

// Decode sniffs data and runs the matching decoder.
func (d Decoders) Decode(data []byte) (*Buffer, error) {
	f := Sniff(data)
	dec, ok := d[f]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, f)
	}
	return dec.Decode(data)
}

func decodeWAV(data []byte) (*Buffer, error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return nil, ErrInvalidHeader
	}
	ib, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("decode wav: %w", err)
	}
	return fromIntBuffer(ib, int(dec.BitDepth)), nil
}

func fromIntBuffer(ib *audio.IntBuffer, bitDepth int) *Buffer {
	out := &Buffer{
		Samples:    make([]float32, len(ib.Data)),
		SampleRate: ib.Format.SampleRate,
		Channels:   ib.Format.NumChannels,
	}
	if bitDepth == 8 {
		for i, v := range ib.Data {
			out.Samples[i] = float32(v-128) / 128
		}
		return out
	}
	scale := float32(audio.IntMaxSignedValue(bitDepth)) + 1
	for i, v := range ib.Data {
		out.Samples[i] = float32(v) / scale
	}
	return out
}

func decodeOgg(data []byte) (*Buffer, error) {
	samples, format, err := oggvorbis.ReadAll(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode ogg: %w", err)
	}
	return &Buffer{
		Samples:    samples,
		SampleRate: format.SampleRate,
		Channels:   format.Channels,
	}, nil
}
