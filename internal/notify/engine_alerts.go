package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/updownlive/updown-engine/internal/domain"
)

// Bus is the subset of the signal bus the alerter consumes.
type Bus interface {
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}

// EngineAlerter forwards round lifecycle events from the signal bus to the
// configured notification channels, so operators hear about round starts,
// locks, and settlements without watching logs.
type EngineAlerter struct {
	bus      Bus
	notifier *Notifier
	logger   *slog.Logger
}

// NewEngineAlerter creates an EngineAlerter.
func NewEngineAlerter(bus Bus, notifier *Notifier, logger *slog.Logger) *EngineAlerter {
	return &EngineAlerter{
		bus:      bus,
		notifier: notifier,
		logger:   logger.With(slog.String("component", "engine_alerter")),
	}
}

// Run consumes the rounds channel until the context is cancelled. It always
// returns ctx.Err().
func (a *EngineAlerter) Run(ctx context.Context) error {
	events, err := a.bus.Subscribe(ctx, domain.ChannelRounds)
	if err != nil {
		return fmt.Errorf("notify: subscribe %s: %w", domain.ChannelRounds, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case payload, ok := <-events:
			if !ok {
				return ctx.Err()
			}
			a.handle(ctx, payload)
		}
	}
}

func (a *EngineAlerter) handle(ctx context.Context, payload []byte) {
	var head struct {
		Event   string `json:"event"`
		RoundID string `json:"round_id"`
	}
	if err := json.Unmarshal(payload, &head); err != nil {
		a.logger.WarnContext(ctx, "unparseable round event",
			slog.String("error", err.Error()),
		)
		return
	}

	var title, message string
	switch head.Event {
	case "round_started":
		var evt domain.RoundStartedEvent
		if err := json.Unmarshal(payload, &evt); err != nil {
			return
		}
		title = "Round started"
		message = fmt.Sprintf("round %s (%s) at %.4f, betting closes %s",
			evt.RoundID, evt.Mode, evt.StartPrice, evt.EndTime.Format("15:04:05 MST"))
	case "round_locked":
		title = "Round locked"
		message = fmt.Sprintf("round %s no longer accepts bets", head.RoundID)
	default:
		return
	}

	if err := a.notifier.Notify(ctx, head.Event, title, message); err != nil {
		a.logger.WarnContext(ctx, "alert delivery failed",
			slog.String("event", head.Event),
			slog.String("round_id", head.RoundID),
			slog.String("error", err.Error()),
		)
	}
}
