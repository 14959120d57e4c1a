package escalation

import (
	"log/slog"

	"muster/pkg/config"
	"muster/pkg/runner"
)

// FromConfig assembles the configured sinks into one fan-out sink.
func FromConfig(cfg config.EscalationConfig, r runner.Runner, logger *slog.Logger) (Sink, error) {
	var sinks []Sink
	if cfg.Log {
		sinks = append(sinks, NewLogSink(logger))
	}
	if cfg.Tmux.Target != "" {
		sinks = append(sinks, NewTmuxSink(cfg.Tmux.Target, r))
	}
	if cfg.Archive.Endpoint != "" {
		a, err := NewArchiveSink(cfg.Archive)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, a)
	}
	if len(sinks) == 1 {
		return sinks[0], nil
	}
	if len(sinks) == 0 {
		// Never drop an escalation silently.
		return NewLogSink(logger), nil
	}
	return NewMulti(logger, sinks...), nil
}
