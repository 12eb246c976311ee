// Package flash keeps one-shot messages in the session for the next page
// render, e.g. "Export deleted." after the redirect back to the list.
package flash

import (
	"context"
	"strings"

	"github.com/alexedwards/scs/v2"
)

const sessionKey = "flash"

type Message struct {
	Type    string // "error", "success", "info"
	Content string
}

func Set(ctx context.Context, sm *scs.SessionManager, msgType, content string) {
	sm.Put(ctx, sessionKey, msgType+":"+content)
}

// Pop returns the pending message and removes it, or nil.
func Pop(ctx context.Context, sm *scs.SessionManager) *Message {
	raw := sm.PopString(ctx, sessionKey)
	msgType, content, ok := strings.Cut(raw, ":")
	if !ok {
		return nil
	}
	return &Message{Type: msgType, Content: content}
}

func Error(ctx context.Context, sm *scs.SessionManager, content string) {
	Set(ctx, sm, "error", content)
}

func Success(ctx context.Context, sm *scs.SessionManager, content string) {
	Set(ctx, sm, "success", content)
}

func Info(ctx context.Context, sm *scs.SessionManager, content string) {
	Set(ctx, sm, "info", content)
}
