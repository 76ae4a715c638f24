package app

import (
	"context"
	"errors"
)

// Shutdown stops accepting work, closes live streams and then the store.
func (a *App) Shutdown(ctx context.Context) error {
	a.state.Store("shutting_down")
	var errs []error
	if a.sensor != nil {
		a.sensor.Stop()
	}

	if a.srvFast != nil {
		if err := a.srvFast.Shutdown(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.gateway != nil {
		a.gateway.Close()
	}
	if a.srvPush != nil {
		if err := a.srvPush.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if a.api != nil {
		a.api.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.state.Store("stopped")
	return errors.Join(errs...)
}
