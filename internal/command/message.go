package command

import (
	"context"
	"strings"
	"unicode/utf8"
)

// Button is an inline keyboard button carrying callback data.
type Button struct {
	Text string
	Data string
}

// Message is an outgoing chat message.
type Message struct {
	Text      string
	Markdown  bool
	NoPreview bool
	Keyboard  [][]Button
}

// MessageRef identifies a sent message so it can be edited.
type MessageRef struct {
	ChatID    int64
	MessageID int
}

// Replier delivers messages into the chat a command came from.
type Replier interface {
	Reply(ctx context.Context, msg Message) (MessageRef, error)
	Edit(ctx context.Context, ref MessageRef, msg Message) error
}

func markdown(text string) Message {
	return Message{Text: text, Markdown: true}
}

func plain(text string) Message {
	return Message{Text: text}
}

var markdownEscaper = strings.NewReplacer(
	"_", "\\_",
	"*", "\\*",
	"`", "\\`",
	"[", "\\[",
)

// EscapeMarkdown escapes user-controlled text for legacy Markdown messages.
func EscapeMarkdown(text string) string {
	return markdownEscaper.Replace(text)
}

// truncate shortens text to limit runes and marks the cut with an ellipsis.
func truncate(text string, limit int) string {
	if utf8.RuneCountInString(text) <= limit {
		return text
	}
	runes := []rune(text)
	return string(runes[:limit]) + "..."
}
