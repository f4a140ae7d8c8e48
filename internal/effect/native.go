// Package effect owns the native audio-effect control resources, one per
// audio session, and the typed parameter writes made through them.
package effect

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// Effect type and implementation identifiers of the DSP engine.
var (
	TypeCustom = uuid.MustParse("f98765f4-c321-5de6-9a45-123459495ab2")
	TypeDSP    = uuid.MustParse("f27317f4-c984-4de6-9a90-545759495bf2")
)

// DefaultPriority is the effect priority requested on construction.
const DefaultPriority = 0

var (
	// ErrEffectUnavailable is returned by Acquire when every construction attempt failed.
	ErrEffectUnavailable = errors.New("effect: unavailable")

	// ErrReleased is returned by writes on a released handle.
	ErrReleased = errors.New("effect: handle released")

	// ErrPartialConstruct marks a construction failure that happened after the
	// engine may already have created native state for the session.
	// Native implementations wrap it so Acquire can tell the two cases apart.
	ErrPartialConstruct = errors.New("effect: construction partially completed")
)

// NativeError is an error reported by the native engine.
type NativeError string

func (e NativeError) Error() string { return string(e) }

// Native is the narrow capability interface to the platform effect engine.
// Implementations must be safe for concurrent use.
type Native interface {
	// Construct creates an effect of the given type bound to sessionID and
	// returns the engine's id for it.
	Construct(ctx context.Context, typ, impl uuid.UUID, priority, sessionID int) (int32, error)

	// Release frees the native effect.
	Release(ctx context.Context, id int32) error

	// SetEnabled switches the effect on or off.
	SetEnabled(ctx context.Context, id int32, enabled bool) error

	// SetParameter writes an encoded parameter id and value.
	SetParameter(ctx context.Context, id int32, param, value []byte) error
}
