package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/soyeahso/backoffice/internal/config"
	"github.com/soyeahso/backoffice/internal/logging"
)

const defaultCommandTimeout = 5 * time.Second

// CommandHandler returns a Handler that runs entry.Command through the shell
// with the JSON payload on stdin. The command is killed after entry.Timeout
// milliseconds (5s when unset).
func CommandHandler(entry config.HookEntry, log *logging.Logger) Handler {
	timeout := defaultCommandTimeout
	if entry.Timeout > 0 {
		timeout = time.Duration(entry.Timeout) * time.Millisecond
	}
	return func(ctx context.Context, p Payload) error {
		body, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("encoding hook payload: %w", err)
		}

		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		cmd := exec.CommandContext(ctx, "sh", "-c", entry.Command)
		cmd.Stdin = bytes.NewReader(body)
		var out bytes.Buffer
		cmd.Stdout = &out
		cmd.Stderr = &out
		cmd.WaitDelay = time.Second

		start := time.Now()
		if err := cmd.Run(); err != nil {
			if ctx.Err() == context.DeadlineExceeded {
				return fmt.Errorf("hook %q timed out after %s", entry.Command, timeout)
			}
			return fmt.Errorf("hook %q failed: %w: %s", entry.Command, err, strings.TrimSpace(out.String()))
		}
		log.Debug().
			Str("event", p.Event).
			Str("command", entry.Command).
			Dur("took", time.Since(start)).
			Msg("hook command finished")
		return nil
	}
}

// Register installs a CommandHandler for every configured hook entry and
// returns how many were registered.
func Register(m *Manager, cfg config.HooksConfig) int {
	n := 0
	for event, entries := range map[string][]config.HookEntry{
		EventRelayStart:       cfg.RelayStart,
		EventRelayStop:        cfg.RelayStop,
		EventMessagePersisted: cfg.MessagePersisted,
		EventChatResolved:     cfg.ChatResolved,
	} {
		for i, e := range entries {
			m.On(event, fmt.Sprintf("config:%s[%d]", event, i), CommandHandler(e, m.log))
			n++
		}
	}
	return n
}
