package link_test

import (
	"context"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"

	"natrouter/pkg/link"
)

func TestCommandSet(t *testing.T) {
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	ctx := context.Background()

	testCases := map[string]struct {
		commands []*link.Command
		wantErr  bool
	}{
		"success": {
			commands: []*link.Command{link.NewCommand(sh, []string{"-c", "exit 0"})},
		},
		"allowed exit code": {
			commands: []*link.Command{link.NewCommand(sh, []string{"-c", "exit 2"}, 2)},
		},
		"failure stops the set": {
			commands: []*link.Command{
				link.NewCommand(sh, []string{"-c", "echo boom >&2; exit 3"}, 2),
				link.NewCommand(sh, []string{"-c", "exit 0"}),
			},
			wantErr: true,
		},
		"missing binary": {
			commands: []*link.Command{link.NewCommand("/nonexistent/ip", nil)},
			wantErr:  true,
		},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			err := link.NewCommandSet(tc.commands...).Run(ctx, zaptest.NewLogger(t))
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestCommandString(t *testing.T) {
	c := link.NewCommand("/bin/ip", []string{"link", "set", "dev", "tun0", "up"})
	assert.Equal(t, "/bin/ip link set dev tun0 up", c.String())
}
