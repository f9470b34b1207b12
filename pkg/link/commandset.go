package link

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"slices"
	"strings"

	"go.uber.org/zap"
)

// CommandSet runs host configuration commands in order, stopping at the first
// failure.
type CommandSet struct {
	Commands []*Command
}

type Command struct {
	Path string
	Args []string
	// AllowedExitCodes are treated as success, e.g. "already exists".
	AllowedExitCodes []int
}

func NewCommandSet(commands ...*Command) *CommandSet {
	return &CommandSet{Commands: commands}
}

func NewCommand(path string, args []string, allowedExitCodes ...int) *Command {
	return &Command{Path: path, Args: args, AllowedExitCodes: allowedExitCodes}
}

func (cs *CommandSet) Run(ctx context.Context, logger *zap.Logger) error {
	for _, c := range cs.Commands {
		if err := c.Run(ctx); err != nil {
			logger.Error("Command failed", zap.Stringer("cmd", c), zap.Error(err))
			return err
		}
		logger.Info("Command succeeded", zap.Stringer("cmd", c))
	}
	return nil
}

func (c *Command) Run(ctx context.Context) error {
	out, err := exec.CommandContext(ctx, c.Path, c.Args...).CombinedOutput()
	if err == nil {
		return nil
	}

	var exitError *exec.ExitError
	if errors.As(err, &exitError) && slices.Contains(c.AllowedExitCodes, exitError.ExitCode()) {
		return nil
	}
	if msg := strings.TrimSpace(string(out)); msg != "" {
		return fmt.Errorf("%s: %w: %s", c, err, msg)
	}
	return fmt.Errorf("%s: %w", c, err)
}

func (c *Command) String() string {
	return strings.Join(append([]string{c.Path}, c.Args...), " ")
}
