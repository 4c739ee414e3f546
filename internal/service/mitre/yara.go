package mitre

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

// YaraUpdater runs the external YARA rule import tool and tracks the last
// successful run in a state file next to the rule directory.
type YaraUpdater struct {
	command   []string
	stateFile string
	timeout   time.Duration
	logger    *zap.Logger
}

func NewYaraUpdater(command []string, stateDir string, logger *zap.Logger) *YaraUpdater {
	return &YaraUpdater{
		command:   command,
		stateFile: filepath.Join(stateDir, "yara_last_update"),
		timeout:   5 * time.Minute,
		logger:    logger,
	}
}

func (y *YaraUpdater) LastUpdate(_ context.Context) (time.Time, error) {
	data, err := os.ReadFile(y.stateFile)
	if os.IsNotExist(err) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("reading yara state file: %w", err)
	}
	ts, err := time.Parse(time.RFC3339, strings.TrimSpace(string(data)))
	if err != nil {
		// A corrupt state file means the update time is unknown; treat as
		// never updated.
		return time.Time{}, nil
	}
	return ts, nil
}

func (y *YaraUpdater) Update(ctx context.Context) error {
	if len(y.command) == 0 {
		return fmt.Errorf("no yara update command configured")
	}

	runCtx, cancel := context.WithTimeout(ctx, y.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, y.command[0], y.command[1:]...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		y.logger.Error("yara update tool failed",
			zap.String("output", string(output)),
			zap.Error(err))
		return fmt.Errorf("yara update tool: %w", err)
	}

	stamp := time.Now().UTC().Format(time.RFC3339)
	if err := os.MkdirAll(filepath.Dir(y.stateFile), 0o755); err != nil {
		return fmt.Errorf("creating yara state dir: %w", err)
	}
	if err := os.WriteFile(y.stateFile, []byte(stamp+"\n"), 0o644); err != nil {
		return fmt.Errorf("writing yara state file: %w", err)
	}
	return nil
}
