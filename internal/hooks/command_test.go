package hooks

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/soyeahso/backoffice/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandHandler_PipesPayload(t *testing.T) {
	out := filepath.Join(t.TempDir(), "payload.json")
	h := CommandHandler(config.HookEntry{Command: "cat > " + out}, testManager().log)

	err := h(context.Background(), Payload{Event: EventChatResolved, Data: map[string]any{"chatId": "c1"}})
	require.NoError(t, err)

	raw, err := os.ReadFile(out)
	require.NoError(t, err)
	var p Payload
	require.NoError(t, json.Unmarshal(raw, &p))
	assert.Equal(t, EventChatResolved, p.Event)
	assert.Equal(t, "c1", p.Data["chatId"])
}

func TestCommandHandler_Failure(t *testing.T) {
	h := CommandHandler(config.HookEntry{Command: "echo nope >&2; exit 3"}, testManager().log)
	err := h(context.Background(), Payload{Event: EventRelayStart})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nope")
}

func TestCommandHandler_Timeout(t *testing.T) {
	h := CommandHandler(config.HookEntry{Command: "sleep 5", Timeout: 50}, testManager().log)
	err := h(context.Background(), Payload{Event: EventRelayStart})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
}

func TestRegister(t *testing.T) {
	m := testManager()
	n := Register(m, config.HooksConfig{
		RelayStart:   []config.HookEntry{{Command: "true"}, {Command: "true"}},
		ChatResolved: []config.HookEntry{{Command: "true"}},
	})
	assert.Equal(t, 3, n)
	assert.Equal(t, 2, m.Count(EventRelayStart))
	assert.Equal(t, 1, m.Count(EventChatResolved))
	assert.Equal(t, 0, m.Count(EventRelayStop))

	m.Emit(context.Background(), EventRelayStart, nil)
}
