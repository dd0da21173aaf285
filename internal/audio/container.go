package audio

import (
	"bytes"
	"encoding/binary"
)

// wavHeaderSize is the size of the canonical RIFF/WAVE PCM header.
const wavHeaderSize = 44

var (
	magicOgg  = []byte("OggS")
	magicRIFF = []byte("RIFF")
	magicWAVE = []byte("WAVE")
	magicWebM = []byte{0x1A, 0x45, 0xDF, 0xA3}
)

// Sniff identifies a speech container from its leading bytes. Anything
// unrecognised, including data shorter than 12 bytes, is raw PCM.
func Sniff(data []byte) Format {
	if len(data) < 12 {
		return FormatPCM
	}
	switch {
	case bytes.HasPrefix(data, magicOgg):
		return FormatOgg
	case bytes.HasPrefix(data, magicRIFF) && bytes.Equal(data[8:12], magicWAVE):
		return FormatWAV
	case bytes.HasPrefix(data, magicWebM):
		return FormatWebM
	}
	return FormatPCM
}

// WAVHeader is the fmt and data description of a PCM WAV file.
type WAVHeader struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
	DataLength    int
}

// WrapPCM prepends a 44 byte WAV header to little-endian 16-bit PCM.
func WrapPCM(pcm []byte, sampleRate, channels int) []byte {
	const bits = 16
	blockAlign := channels * bits / 8
	byteRate := sampleRate * blockAlign

	out := make([]byte, wavHeaderSize+len(pcm))
	copy(out[0:4], magicRIFF)
	binary.LittleEndian.PutUint32(out[4:8], uint32(36+len(pcm)))
	copy(out[8:12], magicWAVE)
	copy(out[12:16], "fmt ")
	binary.LittleEndian.PutUint32(out[16:20], 16)
	binary.LittleEndian.PutUint16(out[20:22], 1)
	binary.LittleEndian.PutUint16(out[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(out[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(out[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(out[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(out[34:36], bits)
	copy(out[36:40], "data")
	binary.LittleEndian.PutUint32(out[40:44], uint32(len(pcm)))
	copy(out[wavHeaderSize:], pcm)
	return out
}

// ParseWAVHeader reads the canonical 44 byte header written by WrapPCM.
func ParseWAVHeader(data []byte) (WAVHeader, error) {
	if len(data) < wavHeaderSize ||
		!bytes.Equal(data[0:4], magicRIFF) ||
		!bytes.Equal(data[8:12], magicWAVE) ||
		string(data[12:16]) != "fmt " ||
		string(data[36:40]) != "data" {
		return WAVHeader{}, ErrInvalidHeader
	}
	return WAVHeader{
		Channels:      int(binary.LittleEndian.Uint16(data[22:24])),
		SampleRate:    int(binary.LittleEndian.Uint32(data[24:28])),
		BitsPerSample: int(binary.LittleEndian.Uint16(data[34:36])),
		DataLength:    int(binary.LittleEndian.Uint32(data[40:44])),
	}, nil
}

// Prepare turns a turn's concatenated speech bytes into a playable
// container and reports the sniffed format. Raw PCM is wrapped in a WAV
// header built from the format hint.
func Prepare(data []byte, sampleRate, channels int) ([]byte, Format) {
	f := Sniff(data)
	if f == FormatPCM {
		return WrapPCM(data, sampleRate, channels), f
	}
	return data, f
}
