package launcher

import (
	"errors"
	"fmt"
	"os/exec"

	"go.uber.org/zap"
)

var ErrEmptyCommand = errors.New("empty command")

// Exec starts commands as detached child processes.
type Exec struct {
	logger *zap.SugaredLogger
}

func New(logger *zap.SugaredLogger) *Exec {
	return &Exec{logger: logger}
}

// Launch starts argv and returns once the process is running. The exit
// status is only logged.
func (l *Exec) Launch(argv []string) error {
	if len(argv) == 0 || argv[0] == "" {
		return ErrEmptyCommand
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", argv[0], err)
	}
	l.logger.Infof("launched %s (pid %d)", argv[0], cmd.Process.Pid)

	go func() {
		if err := cmd.Wait(); err != nil {
			l.logger.Warnf("%s exited: %s", argv[0], err)
		}
	}()

	return nil
}
