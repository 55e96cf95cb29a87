// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package api

import (
	"encoding/json"

	"github.com/tidwall/gjson"

	"github.com/element-hq/receiptstream/receiptapi/types"
)

// UnreadPredicate decides whether an event counts towards a user's unread
// count.
type UnreadPredicate func(eventType string, content json.RawMessage) bool

// DefaultUnreadPredicate counts messages, encrypted events and stickers.
// Notices and edits never count.
func DefaultUnreadPredicate(eventType string, content json.RawMessage) bool {
	if gjson.GetBytes(content, `m\.relates_to.rel_type`).Str == "m.replace" {
		return false
	}
	switch eventType {
	case "m.room.message":
		msgtype := gjson.GetBytes(content, "msgtype")
		if !msgtype.Exists() || msgtype.Type != gjson.String {
			return false
		}
		return msgtype.Str != "m.notice"
	case "m.room.encrypted", "m.sticker":
		return true
	}
	return false
}

// CountsForEvent derives the deltas a staged event contributes for one
// recipient.
func CountsForEvent(isUnread UnreadPredicate, eventType string, content json.RawMessage, notify, highlight bool) types.Counts {
	var c types.Counts
	if notify {
		c.Notifs = 1
	}
	if highlight {
		c.Highlights = 1
	}
	if isUnread != nil && isUnread(eventType, content) {
		c.Unreads = 1
	}
	return c
}
