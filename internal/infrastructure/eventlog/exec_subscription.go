package eventlog

import (
	"bufio"
	"context"
	"encoding/json"
	"os/exec"
	"strings"

	"go.uber.org/zap"

	"github.com/MLidstrom/castellan/internal/domain/errors"
	"github.com/MLidstrom/castellan/internal/domain/event"
)

// collectorRecord is one JSON line emitted by the collector process. Position
// is the collector's resume cursor for the record.
type collectorRecord struct {
	Position string          `json:"position"`
	Event    *event.RawEvent `json:"event"`
}

// ExecSubscription tails a channel through an external collector process that
// emits one JSON record per line on stdout. The command template may contain
// the placeholders {channel}, {query}, and {position}; {position} expands to
// the empty string when the watcher starts from the tail.
//
// Keeping the OS-specific capture in a separate process means the service
// itself stays portable and the collector can be restarted independently.
type ExecSubscription struct {
	command []string
	logger  *zap.Logger
}

func NewExecSubscription(command []string, logger *zap.Logger) *ExecSubscription {
	return &ExecSubscription{command: command, logger: logger}
}

func (s *ExecSubscription) Subscribe(ctx context.Context, channel, query, fromPosition string) (<-chan Delivery, error) {
	if len(s.command) == 0 {
		return nil, errors.NewValidationError("NO_COLLECTOR", "collector command not configured")
	}

	args := make([]string, 0, len(s.command)-1)
	for _, a := range s.command[1:] {
		a = strings.ReplaceAll(a, "{channel}", channel)
		a = strings.ReplaceAll(a, "{query}", query)
		a = strings.ReplaceAll(a, "{position}", fromPosition)
		args = append(args, a)
	}

	cmd := exec.CommandContext(ctx, s.command[0], args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.NewTransientError("collector", err.Error())
	}
	if err := cmd.Start(); err != nil {
		if strings.Contains(err.Error(), "permission denied") {
			return nil, errors.NewPermissionError("event log channel " + channel)
		}
		return nil, errors.NewTransientError("collector", err.Error())
	}

	deliveries := make(chan Delivery)
	go func() {
		defer close(deliveries)
		defer func() {
			if err := cmd.Wait(); err != nil && ctx.Err() == nil {
				s.logger.Error("collector exited", zap.String("channel", channel), zap.Error(err))
			}
		}()

		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			var rec collectorRecord
			if err := json.Unmarshal(line, &rec); err != nil {
				// Unparseable lines carry no usable position, so they are
				// logged and skipped. Parseable records with a null event
				// still flow through as position-only deliveries.
				s.logger.Warn("malformed collector record", zap.String("channel", channel), zap.Error(err))
				continue
			}
			select {
			case deliveries <- Delivery{Event: rec.Event, Position: rec.Position}:
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			s.logger.Error("collector stream read failed", zap.String("channel", channel), zap.Error(err))
		}
	}()
	return deliveries, nil
}
