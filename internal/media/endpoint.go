// Package media acquires the local audio capture device through
// pion/mediadevices. The endpoint is audio-only: device selection and
// echo-cancellation tuning are deliberately left to the platform defaults.
package media

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/opsdesk/opsvoice/internal/coord"
)

var ErrNoAudioTrack = errors.New("no audio track captured")

// Endpoint builds opus-encoded microphone tracks.
type Endpoint struct {
	log      zerolog.Logger
	selector *mediadevices.CodecSelector
}

// NewEndpoint prepares the opus codec selector.
func NewEndpoint(logger *zerolog.Logger) (*Endpoint, error) {
	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}
	return &Endpoint{
		log:      logger.With().Str("component", "media").Logger(),
		selector: mediadevices.NewCodecSelector(mediadevices.WithAudioEncoders(&opusParams)),
	}, nil
}

// Populate registers the endpoint's codecs on a peer-connection media engine.
// The engine that carries a track from this endpoint must negotiate with the
// same codec set the capture pipeline encodes to.
func (e *Endpoint) Populate(me *webrtc.MediaEngine) error {
	e.selector.Populate(me)
	return nil
}

// AcquireAudio opens the default microphone. The capture prompt may block
// for an unbounded time; callers re-check call state when it returns and
// must Stop the track immediately if the call is already gone.
func (e *Endpoint) AcquireAudio(ctx context.Context) (coord.Track, error) {
	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Audio: func(_ *mediadevices.MediaTrackConstraints) {},
		Codec: e.selector,
	})
	if err != nil {
		return nil, fmt.Errorf("get user media: %w", err)
	}

	var audio mediadevices.Track
	for _, t := range stream.GetTracks() {
		if audio == nil && t.Kind() == webrtc.RTPCodecTypeAudio {
			audio = t
			continue
		}
		// Anything unexpected is released right away.
		_ = t.Close()
	}
	if audio == nil {
		return nil, ErrNoAudioTrack
	}

	if err := ctx.Err(); err != nil {
		_ = audio.Close()
		return nil, err
	}

	audio.OnEnded(func(err error) {
		if err != nil {
			e.log.Debug().Err(err).Msg("local audio track ended")
		}
	})
	e.log.Info().Str("track_id", audio.ID()).Msg("microphone captured")

	return &LocalTrack{log: e.log, track: audio, enabled: true}, nil
}

// LocalTrack wraps a capture track with a local-only enabled flag. While
// disabled the bound RTP sender carries no track, which is the engine-level
// equivalent of a muted microphone.
type LocalTrack struct {
	log   zerolog.Logger
	track mediadevices.Track

	mu       sync.Mutex
	enabled  bool
	onEnable func(enabled bool)

	stopOnce sync.Once
}

// SetEnabled flips the enabled flag and notifies the bound engine hook.
func (t *LocalTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	if t.enabled == enabled {
		t.mu.Unlock()
		return
	}
	t.enabled = enabled
	hook := t.onEnable
	t.mu.Unlock()

	if hook != nil {
		hook(enabled)
	}
}

func (t *LocalTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

// Stop releases the capture device. Safe to call more than once.
func (t *LocalTrack) Stop() {
	t.stopOnce.Do(func() {
		if err := t.track.Close(); err != nil {
			t.log.Debug().Err(err).Msg("close capture track")
		}
	})
}

// Bind registers the engine-side mute hook. Called once when the track is
// attached to a peer connection.
func (t *LocalTrack) Bind(onEnable func(enabled bool)) {
	t.mu.Lock()
	t.onEnable = onEnable
	t.mu.Unlock()
}

// Media exposes the underlying capture track for attachment.
func (t *LocalTrack) Media() mediadevices.Track { return t.track }
