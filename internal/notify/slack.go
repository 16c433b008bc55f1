package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/slack-go/slack"
)

// SlackNotifier posts status-edge alerts to a configured channel.
// Grounded on the teacher's otherwise-unwired slack-go/slack dependency.
type SlackNotifier struct {
	client  *slack.Client
	channel string
	logger  *slog.Logger
}

var _ Notifier = (*SlackNotifier)(nil)

func NewSlackNotifier(token, channel string, logger *slog.Logger) *SlackNotifier {
	return &SlackNotifier{client: slack.New(token), channel: channel, logger: logger}
}

func (s *SlackNotifier) Notify(ctx context.Context, event Event) error {
	var text string
	switch event.Kind {
	case EventWorkingToIdle:
		text = fmt.Sprintf(":large_green_circle: *%s* finished working and is idle (%s)", event.DisplayName, event.ProjectPath)
	case EventPermission:
		text = fmt.Sprintf(":warning: *%s* is waiting on a permission decision (%s)", event.DisplayName, event.ProjectPath)
	default:
		return nil
	}
	_, _, err := s.client.PostMessageContext(ctx, s.channel, slack.MsgOptionText(text, false))
	if err != nil {
		s.logger.Debug("slack notify failed", "error", err)
	}
	return err
}
