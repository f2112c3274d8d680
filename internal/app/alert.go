package app

import (
	"context"
	"errors"
	"time"

	"feetracker/internal/alerting"
)

// SendTestAlert pushes a synthetic failure notification so channel
// credentials can be checked without waiting for a real outage.
func (a *App) SendTestAlert(ctx context.Context) error {
	notifier := a.newNotifier()
	if notifier == nil {
		return errors.New("no alert channel enabled; set alerting.telegram.enabled")
	}

	note := alerting.Notification{
		At:                  time.Now().UTC(),
		Job:                 "alert-test",
		WorkerID:            a.Config.Worker.ID,
		TotalWorkers:        a.Config.Worker.Total,
		ConsecutiveFailures: a.Config.Alerting.FailureThreshold,
		Stage:               "test",
		LastError:           "synthetic failure",
		AdditionalMsg:       "This is a test message.",
	}
	if err := notifier.Notify(ctx, note); err != nil {
		return err
	}
	a.Logger.Info().Msg("test alert sent")
	return nil
}
