package protocol

import (
	"encoding/json"
	"testing"

	"github.com/soyeahso/backoffice/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameTypeConstants(t *testing.T) {
	assert.Equal(t, "req", FrameTypeRequest)
	assert.Equal(t, "res", FrameTypeResponse)
	assert.Equal(t, "event", FrameTypeEvent)
}

func TestNewRequest_WithParams(t *testing.T) {
	params := RoomParams{ChatID: "c1", UserType: domain.SenderAgent, UserID: "a1"}
	frame, err := NewRequest("req-2", MethodJoinChat, params)
	require.NoError(t, err)

	assert.Equal(t, FrameTypeRequest, frame.Type)
	assert.Equal(t, "req-2", frame.ID)
	assert.Equal(t, "joinChat", frame.Method)

	var decoded map[string]string
	require.NoError(t, json.Unmarshal(frame.Params, &decoded))
	assert.Equal(t, map[string]string{"chatId": "c1", "userType": "agent", "userId": "a1"}, decoded)
}

func TestNewResponse(t *testing.T) {
	frame, err := NewResponse("req-1", map[string]string{"status": "ok"})
	require.NoError(t, err)

	assert.Equal(t, FrameTypeResponse, frame.Type)
	assert.True(t, frame.Succeeded())
	assert.Nil(t, frame.Error)

	var payload map[string]string
	require.NoError(t, json.Unmarshal(frame.Payload, &payload))
	assert.Equal(t, "ok", payload["status"])
}

func TestNewErrorResponse(t *testing.T) {
	frame := NewErrorResponse("req-1", ErrorShape{Code: "not_found", Message: "no such chat"})

	assert.False(t, frame.Succeeded())
	require.NotNil(t, frame.OK)
	require.NotNil(t, frame.Error)
	assert.Equal(t, "not_found: no such chat", frame.Error.Error())
}

func TestNewEvent_WireShape(t *testing.T) {
	frame, err := NewEvent(EventNewMessage, NewMessagePayload{
		ChatID:  "c1",
		Message: domain.Message{ID: "m1", Sender: domain.SenderCustomer, Text: "hi"},
	}, 7)
	require.NoError(t, err)

	data, err := json.Marshal(frame)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "event", raw["type"])
	assert.Equal(t, "newMessage", raw["event"])
	assert.EqualValues(t, 7, raw["seq"])
	assert.NotContains(t, raw, "ok")
	assert.NotContains(t, raw, "id")

	payload := raw["payload"].(map[string]any)
	assert.Equal(t, "c1", payload["chatId"])
	assert.Equal(t, "m1", payload["message"].(map[string]any)["_id"])
}

func TestCanonicalEvent(t *testing.T) {
	assert.Equal(t, EventUserTyping, CanonicalEvent("typing"))
	assert.Equal(t, EventUserStoppedTyping, CanonicalEvent("stopTyping"))
	assert.Equal(t, EventNewMessage, CanonicalEvent(EventNewMessage))
}

func TestRoomParamsParticipant(t *testing.T) {
	p := RoomParams{ChatID: "c", UserType: domain.SenderCustomer, UserID: "u9"}
	assert.Equal(t, domain.Participant{Type: domain.SenderCustomer, ID: "u9"}, p.Participant())
}

func TestSucceeded_NilOK(t *testing.T) {
	assert.False(t, Frame{Type: FrameTypeResponse}.Succeeded())
}
