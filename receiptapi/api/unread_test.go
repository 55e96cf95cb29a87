package api

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/element-hq/receiptstream/receiptapi/types"
)

func TestDefaultUnreadPredicate(t *testing.T) {
	tests := []struct {
		name      string
		eventType string
		content   string
		want      bool
	}{
		{"text message", "m.room.message", `{"msgtype":"m.text","body":"hi"}`, true},
		{"notice", "m.room.message", `{"msgtype":"m.notice","body":"bot"}`, false},
		{"message without msgtype", "m.room.message", `{"body":"hi"}`, false},
		{"edit", "m.room.message", `{"msgtype":"m.text","m.relates_to":{"rel_type":"m.replace","event_id":"$a"}}`, false},
		{"thread reply", "m.room.message", `{"msgtype":"m.text","m.relates_to":{"rel_type":"m.thread","event_id":"$a"}}`, true},
		{"encrypted", "m.room.encrypted", `{"algorithm":"m.megolm.v1.aes-sha2"}`, true},
		{"sticker", "m.sticker", `{"body":"cat"}`, true},
		{"state event", "m.room.topic", `{"topic":"x"}`, false},
		{"reaction", "m.reaction", `{}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DefaultUnreadPredicate(tt.eventType, json.RawMessage(tt.content)))
		})
	}
}

func TestCountsForEvent(t *testing.T) {
	msg := json.RawMessage(`{"msgtype":"m.text"}`)
	assert.Equal(t, types.Counts{Notifs: 1, Unreads: 1, Highlights: 1}, CountsForEvent(DefaultUnreadPredicate, "m.room.message", msg, true, true))
	assert.Equal(t, types.Counts{Unreads: 1}, CountsForEvent(DefaultUnreadPredicate, "m.room.message", msg, false, false))
	assert.Equal(t, types.Counts{Notifs: 1}, CountsForEvent(nil, "m.room.message", msg, true, false))
}
