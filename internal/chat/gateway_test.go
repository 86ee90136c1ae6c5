package chat

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGateway_Decode(t *testing.T) {
	g := NewGateway(nil, discardLogger())

	tests := []struct {
		name    string
		frame   string
		want    CommandType
		wantErr bool
	}{
		{"join", `{"type":"join_conversation","payload":{"conversation_id":42}}`, CmdJoinConversation, false},
		{"leave", `{"type":"leave_conversation","payload":{"conversation_id":42}}`, CmdLeaveConversation, false},
		{"typing false is still present", `{"type":"user_typing","payload":{"conversation_id":42,"is_typing":false}}`, CmdUserTyping, false},
		{"typing flag missing", `{"type":"user_typing","payload":{"conversation_id":42}}`, CmdUserTyping, true},
		{"message", `{"type":"new_message","payload":{"conversation_id":42,"body":"hi"}}`, CmdNewMessage, false},
		{"attachment", `{"type":"new_message","payload":{"conversation_id":42,"body":"s3://x","type":"attachment"}}`, CmdNewMessage, false},
		{"system messages are server-only", `{"type":"new_message","payload":{"conversation_id":42,"body":"x","type":"system"}}`, CmdNewMessage, true},
		{"empty body", `{"type":"new_message","payload":{"conversation_id":42,"body":""}}`, CmdNewMessage, true},
		{"edit", `{"type":"message_edited","payload":{"conversation_id":42,"message_id":3,"body":"fixed"}}`, CmdMessageEdited, false},
		{"delete without id", `{"type":"message_deleted","payload":{"conversation_id":42}}`, CmdMessageDeleted, true},
		{"read", `{"type":"message_read","payload":{"conversation_id":42,"message_id":3,"read_at":"2024-01-01T00:00:00Z"}}`, CmdMessageRead, false},
		{"unknown field", `{"type":"join_conversation","payload":{"conversation_id":42,"admin":true}}`, CmdJoinConversation, true},
		{"zero conversation", `{"type":"join_conversation","payload":{"conversation_id":0}}`, CmdJoinConversation, true},
		{"missing payload", `{"type":"join_conversation"}`, CmdJoinConversation, true},
		{"unknown command", `{"type":"drop_tables","payload":{}}`, "drop_tables", true},
		{"not json", `hello`, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, cmd, err := g.Decode([]byte(tt.frame))
			assert.Equal(t, tt.want, got)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidCommand)
				assert.Nil(t, cmd)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, cmd)
		})
	}
}

func TestGateway_DecodeReadAt(t *testing.T) {
	g := NewGateway(nil, discardLogger())

	_, cmd, err := g.Decode([]byte(`{"type":"message_read","payload":{"conversation_id":1,"message_id":2,"read_at":"2024-05-06T07:08:09Z"}}`))
	require.NoError(t, err)
	read := cmd.(*MessageRead)
	require.NotNil(t, read.ReadAt)
	assert.Equal(t, time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC), *read.ReadAt)
}

func TestGateway_HandleDispatchesToHub(t *testing.T) {
	env := newTestEnv(t)
	env.dir.add(42, 1, 2)
	u1 := env.connect(t, 1)
	u2 := env.connect(t, 2)
	g := NewGateway(env.hub, discardLogger())
	ctx := context.Background()

	g.Handle(ctx, u1, []byte(`{"type":"join_conversation","payload":{"conversation_id":42}}`))
	g.Handle(ctx, u2, []byte(`{"type":"join_conversation","payload":{"conversation_id":42}}`))
	assert.Equal(t, int64(42), nextOf[ConversationJoined](t, u1).ConversationID)
	nextOf[ConversationJoined](t, u2)

	g.Handle(ctx, u1, []byte(`{"type":"new_message","payload":{"conversation_id":42,"body":"hello"}}`))
	got := nextOf[MessageReceived](t, u2)
	assert.Equal(t, "hello", got.Message.Body)
	assert.Equal(t, MessageText, got.Message.Type)

	g.Handle(ctx, u2, []byte(`{"type":"user_typing","payload":{"conversation_id":42,"is_typing":true}}`))
	typing := nextOf[UserTyping](t, u1)
	assert.True(t, typing.IsTyping)
	assert.Equal(t, int64(2), typing.UserID)

	g.Handle(ctx, u2, []byte(`{"type":"leave_conversation","payload":{"conversation_id":42}}`))
	assert.Equal(t, int64(2), nextOf[UserLeft](t, u1).UserID)
}

func TestGateway_ErrorsGoToSenderOnly(t *testing.T) {
	env := newTestEnv(t)
	env.dir.add(42, 1)
	u1 := env.connect(t, 1)
	u3 := env.connect(t, 3)
	env.join(t, u1, 42)
	drain(u1)
	g := NewGateway(env.hub, discardLogger())
	ctx := context.Background()

	g.Handle(ctx, u3, []byte(`{"type":"join_conversation","payload":{"conversation_id":42}}`))
	errEvt := nextOf[ErrorEvent](t, u3)
	assert.Equal(t, CodeNotAuthorized, errEvt.Code)
	assert.Equal(t, string(CmdJoinConversation), errEvt.Command)

	g.Handle(ctx, u3, []byte(`{"type":"new_message","payload":{"conversation_id":42,"body":"let me in"}}`))
	assert.Equal(t, CodeNotSubscribed, nextOf[ErrorEvent](t, u3).Code)

	g.Handle(ctx, u3, []byte(`{"type":"nonsense"}`))
	assert.Equal(t, CodeInvalidCommand, nextOf[ErrorEvent](t, u3).Code)

	assert.False(t, u3.Closed(), "a rejected command never closes the connection")
	assert.Empty(t, drain(u1))
}

func TestErrorCode(t *testing.T) {
	assert.Equal(t, CodePersistence, errorCode(&PersistenceError{Op: "message", Err: assert.AnError}))
	assert.Equal(t, CodeMessageNotFound, errorCode(ErrMessageNotFound))
	assert.Equal(t, CodeTimeout, errorCode(context.DeadlineExceeded))
	assert.Equal(t, CodeInternal, errorCode(assert.AnError))
}
