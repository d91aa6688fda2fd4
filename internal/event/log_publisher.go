package event

import (
	"context"

	"github.com/rs/zerolog"
)

// LogPublisher writes events to the structured log. The default publisher in
// single-process deployments.
type LogPublisher struct {
	logger zerolog.Logger
}

// NewLogPublisher creates a publisher backed by the given logger.
func NewLogPublisher(logger zerolog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger.With().Str("component", "events").Logger()}
}

func (p *LogPublisher) PublishFileEvent(_ context.Context, ev FileEvent) error {
	p.logger.Info().
		Str("type", string(ev.Type)).
		Str("checksum", ev.Checksum).
		Str("storage", ev.Storage).
		Str("group_id", ev.GroupID).
		Str("message", ev.Message).
		Msg("File event")
	return nil
}

func (p *LogPublisher) PublishGroupEvent(_ context.Context, ev GroupEvent) error {
	p.logger.Info().
		Str("type", string(ev.Type)).
		Str("group_id", ev.GroupID).
		Strs("errors", ev.Errors).
		Msg("Group event")
	return nil
}
