package internal_audio

import (
	"time"
)

const (
	// BytesPerSample is fixed: capture is LINEAR16 PCM.
	BytesPerSample = 2
	BitsPerSample  = 16
	// PCMFormat is the WAV format tag for uncompressed PCM.
	PCMFormat = 1
)

// Config describes the PCM stream format of a capture session. All segments
// of a session share one Config; the merger rejects anything else.
type Config struct {
	SampleRate uint32
	Channels   uint16
}

// NewLinear16khzMonoConfig is the default capture format: LINEAR16 16kHz mono.
func NewLinear16khzMonoConfig() Config {
	return Config{SampleRate: 16000, Channels: 1}
}

// NewLinear44khzMonoConfig is the "high" quality preset.
func NewLinear44khzMonoConfig() Config {
	return Config{SampleRate: 44100, Channels: 1}
}

// BytesPerSecond returns the PCM data rate for the config.
func (c Config) BytesPerSecond() int {
	return int(c.SampleRate) * int(c.Channels) * BytesPerSample
}

// FrameSize returns the byte size of one sample frame across all channels.
func (c Config) FrameSize() int {
	return BytesPerSample * int(c.Channels)
}

// DurationToBytes converts a wall-clock duration to a frame-aligned byte count.
func (c Config) DurationToBytes(d time.Duration) int {
	raw := int(d.Seconds() * float64(c.BytesPerSecond()))
	return (raw / c.FrameSize()) * c.FrameSize()
}

// BytesToDuration converts a PCM byte count back into playback duration.
// Integer math keeps segment durations exactly additive: the sum of the parts
// equals the duration of the concatenation.
func (c Config) BytesToDuration(n int64) time.Duration {
	bps := int64(c.BytesPerSecond())
	secs := n / bps
	rem := n % bps
	return time.Duration(secs)*time.Second + time.Duration(rem)*time.Second/time.Duration(bps)
}
