package controller

import (
	"context"
	"fmt"

	"github.com/micro-nova/dspd/internal/models"
	"github.com/micro-nova/dspd/internal/session"
)

// GetInfo returns daemon information.
func (c *Controller) GetInfo() models.Info {
	return c.info
}

// SetEnabled switches DSP processing on or off.
func (c *Controller) SetEnabled(enabled bool) (models.State, *models.AppError) {
	if err := c.repo.SetEnabled(enabled); err != nil {
		return models.State{}, models.ErrInternal(err.Error())
	}
	c.update(func(s *models.State) { s.Enabled = enabled })
	return c.State(), nil
}

// Devices returns the devices a config can be associated with: phone, aux
// and every bonded Bluetooth device.
func (c *Controller) Devices(ctx context.Context) []models.AudioDevice {
	return models.KnownDevices(c.resolver.BondedDevices(ctx))
}

// OpenSession injects a session open signal. Only available in mock mode,
// where no platform delivers signals.
func (c *Controller) OpenSession(ctx context.Context, id int) *models.AppError {
	return c.inject(ctx, session.Signal{Kind: session.Open, SessionID: id})
}

// CloseSession injects a session close signal. Only available in mock mode.
func (c *Controller) CloseSession(ctx context.Context, id int) *models.AppError {
	return c.inject(ctx, session.Signal{Kind: session.Close, SessionID: id})
}

func (c *Controller) inject(ctx context.Context, sig session.Signal) *models.AppError {
	if !c.info.Mock {
		return models.ErrConflict("sessions can only be injected in mock mode")
	}
	if sig.SessionID < 0 {
		return models.ErrBadField("session_id", fmt.Sprintf("invalid session id %d", sig.SessionID))
	}
	select {
	case c.signals <- sig:
		return nil
	case <-ctx.Done():
		return models.ErrUnavailable("session registry is not running")
	}
}
