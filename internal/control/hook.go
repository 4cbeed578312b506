// ABOUTME: Mute notification hook
// ABOUTME: Runs an external script with the mute state and loop environment
package control

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"time"
)

// hookTimeout bounds one script run
const hookTimeout = 5 * time.Second

// Hook runs the mute script
type Hook struct {
	script string
	run    func(ctx context.Context, script, arg string, env []string) error
}

// NewHook creates a hook for script. An empty script disables it.
func NewHook(script string) *Hook {
	return &Hook{script: script, run: runScript}
}

// Notify runs "<script> mute|unmute". loop is on unless output is
// active with MPEG audio enabled.
func (h *Hook) Notify(ctx context.Context, muted bool, flags Flag) error {
	if h == nil || h.script == "" {
		return nil
	}

	arg := "unmute"
	if muted {
		arg = "mute"
	}
	loop := "on"
	if flags&(Active|MP2Enable) == Active|MP2Enable {
		loop = "off"
	}

	ctx, cancel := context.WithTimeout(ctx, hookTimeout)
	defer cancel()

	if err := h.run(ctx, h.script, arg, []string{"loop=" + loop}); err != nil {
		return fmt.Errorf("mute script %s %s failed: %w", h.script, arg, err)
	}
	log.Printf("Control: ran %s %s (loop=%s)", h.script, arg, loop)
	return nil
}

func runScript(ctx context.Context, script, arg string, env []string) error {
	cmd := exec.CommandContext(ctx, script, arg)
	cmd.Env = append(os.Environ(), env...)
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard
	return cmd.Run()
}
