package internal_audio

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// HeaderSize is the canonical 44-byte WAV header this package reads and writes.
const HeaderSize = 44

// EncodeHeader renders a canonical WAV header for dataLen bytes of PCM.
// Segments are opened with dataLen 0 and patched on close.
func EncodeHeader(cfg Config, dataLen int) []byte {
	buf := make([]byte, 0, HeaderSize)
	bps := cfg.BytesPerSecond()

	buf = append(buf, "RIFF"...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(36+dataLen))
	buf = append(buf, "WAVE"...)

	buf = append(buf, "fmt "...)
	buf = binary.LittleEndian.AppendUint32(buf, 16)
	buf = binary.LittleEndian.AppendUint16(buf, PCMFormat)
	buf = binary.LittleEndian.AppendUint16(buf, cfg.Channels)
	buf = binary.LittleEndian.AppendUint32(buf, cfg.SampleRate)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(bps))
	buf = binary.LittleEndian.AppendUint16(buf, uint16(cfg.FrameSize()))
	buf = binary.LittleEndian.AppendUint16(buf, BitsPerSample)

	buf = append(buf, "data"...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(dataLen))
	return buf
}

// PatchHeaderSizes rewrites the RIFF and data chunk lengths in place once the
// final PCM byte count is known.
func PatchHeaderSizes(f *os.File, dataLen int64) error {
	var scratch [4]byte

	binary.LittleEndian.PutUint32(scratch[:], uint32(36+dataLen))
	if _, err := f.WriteAt(scratch[:], 4); err != nil {
		return fmt.Errorf("patch riff size: %w", err)
	}
	binary.LittleEndian.PutUint32(scratch[:], uint32(dataLen))
	if _, err := f.WriteAt(scratch[:], 40); err != nil {
		return fmt.Errorf("patch data size: %w", err)
	}
	return nil
}

// ParseHeader reads and validates a canonical WAV header, returning the PCM
// config and the declared data length.
func ParseHeader(r io.Reader) (Config, int64, error) {
	hdr := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return Config{}, 0, fmt.Errorf("read wav header: %w", err)
	}
	if string(hdr[0:4]) != "RIFF" || string(hdr[8:12]) != "WAVE" {
		return Config{}, 0, fmt.Errorf("not a RIFF/WAVE file")
	}
	if string(hdr[12:16]) != "fmt " || string(hdr[36:40]) != "data" {
		return Config{}, 0, fmt.Errorf("non-canonical wav layout")
	}
	if tag := binary.LittleEndian.Uint16(hdr[20:22]); tag != PCMFormat {
		return Config{}, 0, fmt.Errorf("unsupported wav format tag %d", tag)
	}
	cfg := Config{
		SampleRate: binary.LittleEndian.Uint32(hdr[24:28]),
		Channels:   binary.LittleEndian.Uint16(hdr[22:24]),
	}
	dataLen := int64(binary.LittleEndian.Uint32(hdr[40:44]))
	return cfg, dataLen, nil
}
