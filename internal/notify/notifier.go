package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jandubois/srmprobe/internal/probe"
	"github.com/jandubois/srmprobe/internal/srm"
)

// History returns the verdict of the latest recorded run of a metric.
type History interface {
	LastStatus(ctx context.Context, metric string) (probe.Status, bool, error)
}

// Config selects the alert channels. A channel without its required
// fields is disabled.
type Config struct {
	Ntfy     NtfyConfig     `mapstructure:"ntfy"`
	Pushover PushoverConfig `mapstructure:"pushover"`
}

// Channels builds the enabled channels of cfg.
func (cfg Config) Channels() []Channel {
	var channels []Channel
	if cfg.Ntfy.Topic != "" {
		channels = append(channels, NewNtfyChannel(cfg.Ntfy))
	}
	if cfg.Pushover.APIToken != "" && cfg.Pushover.UserKey != "" {
		channels = append(channels, NewPushoverChannel(cfg.Pushover))
	}
	return channels
}

// Notifier sends an alert when a run's verdict differs from the previous
// run of the same metric. Without history every non-OK run alerts.
type Notifier struct {
	channels []Channel
	history  History
	host     string
}

func NewNotifier(channels []Channel, history History, host string) *Notifier {
	return &Notifier{channels: channels, history: history, host: host}
}

// Record implements srm.Sink. It must run before the run is archived so
// that history still holds the previous verdict.
func (n *Notifier) Record(ctx context.Context, rep *srm.Report) error {
	change := &Change{
		Metric:   rep.Metric,
		Host:     n.host,
		New:      rep.Result.Status,
		Headline: rep.Headline,
	}
	if n.history != nil {
		old, ok, err := n.history.LastStatus(ctx, rep.Metric)
		if err != nil {
			return fmt.Errorf("previous status of %s: %w", rep.Metric, err)
		}
		if ok {
			change.Old = old
		}
	}

	if !alert(change) {
		slog.Debug("no verdict change", "metric", rep.Metric, "status", change.New)
		return nil
	}

	msg := Format(change)
	var errs []error
	for _, ch := range n.channels {
		if err := ch.Send(ctx, msg); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", ch.Type(), err))
			continue
		}
		slog.Debug("alert sent", "channel", ch.Type(), "metric", rep.Metric, "status", change.New)
	}
	return errors.Join(errs...)
}

func alert(c *Change) bool {
	if c.Old == "" {
		return c.New != probe.StatusOK
	}
	return c.Old != c.New
}
