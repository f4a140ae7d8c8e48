package effect

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/micro-nova/dspd/internal/codec"
	"github.com/micro-nova/dspd/internal/models"
)

// BassBoostGainScale converts bass boost dB to the engine's short value.
const BassBoostGainScale = 1.0

// Handle owns one native effect bound to one audio session.
// All writes on a handle are serialized.
type Handle struct {
	native    Native
	id        int32
	sessionID int
	settle    time.Duration

	mu          sync.Mutex
	released    bool
	enabled     *bool // last state written, nil until the first write
	eqSwitched  bool
	needsResync bool
}

func newHandle(native Native, id int32, sessionID int, settle time.Duration) *Handle {
	return &Handle{
		native:    native,
		id:        id,
		sessionID: sessionID,
		settle:    settle,
	}
}

// SessionID returns the audio session the handle is bound to.
func (h *Handle) SessionID() int { return h.sessionID }

// NativeID returns the engine's id for the effect.
func (h *Handle) NativeID() int32 { return h.id }

// NeedsResync reports whether the next Apply starts with a disable/settle cycle.
func (h *Handle) NeedsResync() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.needsResync
}

// Released reports whether Release has been called.
func (h *Handle) Released() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.released
}

// SetEnabled switches the effect. Writing the state it is already in is a no-op.
func (h *Handle) SetEnabled(ctx context.Context, enabled bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.setEnabledLocked(ctx, enabled)
}

func (h *Handle) setEnabledLocked(ctx context.Context, enabled bool) error {
	if h.released {
		return ErrReleased
	}
	if h.enabled != nil && *h.enabled == enabled {
		return nil
	}
	if err := h.native.SetEnabled(ctx, h.id, enabled); err != nil {
		// State unknown after a failed write, force the next call through.
		h.enabled = nil
		return fmt.Errorf("set enabled=%v: %w", enabled, err)
	}
	h.enabled = &enabled
	return nil
}

// ApplyEqualizer writes the EQ switch (once per handle) and then the band array.
// bands may be in any order, they are written ascending by frequency.
// Every band is written, duplicates included.
func (h *Handle) ApplyEqualizer(ctx context.Context, bands []models.Band) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.applyEqualizerLocked(ctx, bands)
}

func (h *Handle) applyEqualizerLocked(ctx context.Context, bands []models.Band) error {
	if h.released {
		return ErrReleased
	}
	if !h.eqSwitched {
		if err := h.setShort(ctx, codec.ParamEqSwitch, 1); err != nil {
			return fmt.Errorf("eq switch: %w", err)
		}
		h.eqSwitched = true
	}

	ordered := slices.Clone(bands)
	slices.SortStableFunc(ordered, func(a, b models.Band) int {
		return cmp.Compare(a.FrequencyHz, b.FrequencyHz)
	})
	freqs := make([]float32, len(ordered))
	gains := make([]float32, len(ordered))
	for i, b := range ordered {
		freqs[i] = float32(b.FrequencyHz)
		gains[i] = float32(b.GainDB)
	}
	if err := h.setFloats(ctx, codec.ParamEqBands, codec.EqPayload(freqs, gains)); err != nil {
		return fmt.Errorf("eq bands: %w", err)
	}
	return nil
}

// ApplyBassBoost writes the bass boost switch (1 when gainDB > 0) and the gain.
func (h *Handle) ApplyBassBoost(ctx context.Context, gainDB float64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.applyBassBoostLocked(ctx, gainDB)
}

func (h *Handle) applyBassBoostLocked(ctx context.Context, gainDB float64) error {
	if h.released {
		return ErrReleased
	}
	var on int16
	if gainDB > 0 {
		on = 1
	}
	if err := h.setShort(ctx, codec.ParamBassBoostSwitch, on); err != nil {
		return fmt.Errorf("bass boost switch: %w", err)
	}
	if err := h.setShort(ctx, codec.ParamBassBoostGain, codec.ClampShort(gainDB*BassBoostGainScale)); err != nil {
		return fmt.Errorf("bass boost gain: %w", err)
	}
	return nil
}

// ApplyPostGain writes the limiter defaults and the post gain.
func (h *Handle) ApplyPostGain(ctx context.Context, gainDB float64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.applyPostGainLocked(ctx, gainDB)
}

func (h *Handle) applyPostGainLocked(ctx context.Context, gainDB float64) error {
	if h.released {
		return ErrReleased
	}
	if err := h.setFloats(ctx, codec.ParamPostGain, codec.PostGainPayload(float32(gainDB))); err != nil {
		return fmt.Errorf("post gain: %w", err)
	}
	return nil
}

// Apply brings the handle to the desired state.
//
// If the handle needs a resync it is disabled first and left to settle before
// the flag is cleared. Every parameter write is attempted even when an
// earlier one fails; the failures are returned joined. Cancelling ctx stops
// the remaining writes.
func (h *Handle) Apply(ctx context.Context, enabled bool, cfg models.Config) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.released {
		return ErrReleased
	}

	if h.needsResync {
		slog.Info("effect: resyncing handle", "session", h.sessionID)
		off := false
		if err := h.native.SetEnabled(ctx, h.id, false); err != nil {
			h.enabled = nil
			return fmt.Errorf("resync disable: %w", err)
		}
		h.enabled = &off
		h.eqSwitched = false
		if err := sleepCtx(ctx, h.settle); err != nil {
			return err
		}
		h.needsResync = false
	}

	steps := []func() error{
		func() error { return h.applyBassBoostLocked(ctx, cfg.BassBoost) },
		func() error { return h.applyEqualizerLocked(ctx, cfg.Bands()) },
		func() error { return h.applyPostGainLocked(ctx, cfg.PostGain) },
		func() error { return h.setEnabledLocked(ctx, enabled) },
	}
	var errs []error
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := step(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Release frees the native effect. It is safe to call more than once and
// never fails; native errors are logged.
func (h *Handle) Release(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return
	}
	h.released = true
	if err := h.native.Release(ctx, h.id); err != nil {
		slog.Warn("effect: release failed", "session", h.sessionID, "effect", h.id, "err", err)
	}
}

func (h *Handle) setShort(ctx context.Context, param int32, v int16) error {
	return h.native.SetParameter(ctx, h.id, codec.EncodeParameterID(param), codec.EncodeShort(v))
}

func (h *Handle) setFloats(ctx context.Context, param int32, v []float32) error {
	return h.native.SetParameter(ctx, h.id, codec.EncodeParameterID(param), codec.EncodeFloatArray(v))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
