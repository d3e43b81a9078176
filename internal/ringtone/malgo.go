package ringtone

import (
	"fmt"
	"sync"
	"time"

	"github.com/gen2brain/malgo"
	"github.com/rs/zerolog"
)

// MalgoPlayer renders PCM through the default playback device via malgo.
// The miniaudio context is initialized once and shared across plays; each
// Play opens a short-lived playback device, drains the buffer and closes it.
type MalgoPlayer struct {
	ctx *malgo.AllocatedContext
	log zerolog.Logger
}

// NewMalgoPlayer initializes the audio backend.
func NewMalgoPlayer(logger *zerolog.Logger) (*MalgoPlayer, error) {
	lg := logger.With().Str("component", "audio").Logger()
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		lg.Debug().Msg(message)
	})
	if err != nil {
		return nil, fmt.Errorf("init audio context: %w", err)
	}
	return &MalgoPlayer{ctx: ctx, log: lg}, nil
}

// Play blocks until the buffer has been handed to the device in full.
func (p *MalgoPlayer) Play(pcm []int16) error {
	cfg := malgo.DefaultDeviceConfig(malgo.Playback)
	cfg.Playback.Format = malgo.FormatS16
	cfg.Playback.Channels = 1
	cfg.SampleRate = SampleRate

	var (
		pos  int
		once sync.Once
		done = make(chan struct{})
	)
	callbacks := malgo.DeviceCallbacks{
		Data: func(out, _ []byte, frameCount uint32) {
			for i := 0; i < int(frameCount); i++ {
				var s int16
				if pos < len(pcm) {
					s = pcm[pos]
					pos++
				}
				out[2*i] = byte(s)
				out[2*i+1] = byte(s >> 8)
			}
			if pos >= len(pcm) {
				once.Do(func() { close(done) })
			}
		},
	}

	device, err := malgo.InitDevice(p.ctx.Context, cfg, callbacks)
	if err != nil {
		return fmt.Errorf("init playback device: %w", err)
	}
	defer device.Uninit()

	if err := device.Start(); err != nil {
		return fmt.Errorf("start playback device: %w", err)
	}

	select {
	case <-done:
		// Let the tail of the device buffer drain before uninit.
		time.Sleep(50 * time.Millisecond)
	case <-time.After(5 * time.Second):
		p.log.Warn().Msg("playback did not finish in time")
	}
	return nil
}

// Close releases the audio backend.
func (p *MalgoPlayer) Close() error {
	if err := p.ctx.Uninit(); err != nil {
		return fmt.Errorf("uninit audio context: %w", err)
	}
	p.ctx.Free()
	return nil
}
