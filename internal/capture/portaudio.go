package internal_capture

import (
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"

	internal_audio "github.com/tkys/instantrec-sub000/internal/audio"
)

// portaudioSource captures LINEAR16 PCM from the default input device.
// One initialized PortAudio runtime is shared per process.
type portaudioSource struct {
	cfg       internal_audio.Config
	frameSize int // samples per channel per ReadFrame

	mu     sync.Mutex
	stream *portaudio.Stream
	buf    []int16
	out    []byte
}

var (
	paInitOnce sync.Once
	paInitErr  error
)

// NewPortaudioSource opens the default input device in the given PCM config.
// frameDurationMs controls the device read granularity (20ms is typical).
func NewPortaudioSource(cfg internal_audio.Config, frameDurationMs int) (Source, error) {
	paInitOnce.Do(func() {
		paInitErr = portaudio.Initialize()
	})
	if paInitErr != nil {
		return nil, fmt.Errorf("portaudio init: %w", paInitErr)
	}

	frameSize := int(cfg.SampleRate) * frameDurationMs / 1000
	buf := make([]int16, frameSize*int(cfg.Channels))
	stream, err := portaudio.OpenDefaultStream(
		int(cfg.Channels), 0, float64(cfg.SampleRate), frameSize, buf,
	)
	if err != nil {
		return nil, fmt.Errorf("open input device: %w", err)
	}

	return &portaudioSource{
		cfg:       cfg,
		frameSize: frameSize,
		stream:    stream,
		buf:       buf,
		out:       make([]byte, len(buf)*internal_audio.BytesPerSample),
	}, nil
}

func (p *portaudioSource) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stream == nil {
		return fmt.Errorf("input device closed")
	}
	if err := p.stream.Start(); err != nil {
		return fmt.Errorf("start input device: %w", err)
	}
	return nil
}

func (p *portaudioSource) ReadFrame() ([]byte, error) {
	p.mu.Lock()
	stream := p.stream
	p.mu.Unlock()
	if stream == nil {
		return nil, fmt.Errorf("input device closed")
	}
	if err := stream.Read(); err != nil {
		return nil, fmt.Errorf("read input device: %w", err)
	}
	for i, sample := range p.buf {
		p.out[2*i] = byte(sample)
		p.out[2*i+1] = byte(sample >> 8)
	}
	return p.out, nil
}

func (p *portaudioSource) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stream == nil {
		return nil
	}
	return p.stream.Stop()
}

func (p *portaudioSource) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stream == nil {
		return nil
	}
	err := p.stream.Close()
	p.stream = nil
	return err
}
