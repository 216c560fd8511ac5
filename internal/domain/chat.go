// Package domain contains core business types and interfaces.
//
// This file defines conversation types: chats, their messages and the
// metadata of files attached to them.
package domain

import (
	"regexp"
	"strings"
	"time"
	"unicode/utf8"
)

// MessageRole identifies who authored a chat message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// MaxChatTitleRunes bounds the title derived from the first question.
const MaxChatTitleRunes = 80

var chatIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// ValidChatID reports whether id is an acceptable client-supplied chat ID.
func ValidChatID(id string) bool {
	return chatIDPattern.MatchString(id)
}

// Chat is a conversation owned by a single user.
type Chat struct {
	ID        string
	UserID    string
	Title     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Message is one turn in a chat transcript.
type Message struct {
	ID        string
	ChatID    string
	Role      MessageRole
	Content   string
	CreatedAt time.Time
}

// FileMeta describes an uploaded file. The bytes live in object storage;
// only this record is kept by the service.
type FileMeta struct {
	ID         string
	ChatID     string
	UserID     string
	Name       string
	MimeType   string
	Size       int64
	StorageKey string
	CreatedAt  time.Time
}

// FileRef points an ask request at a stored attachment.
type FileRef struct {
	Name string
	Path string
}

// ChatTitle derives a chat title from the opening question.
func ChatTitle(question string) string {
	title := strings.Join(strings.Fields(question), " ")
	if utf8.RuneCountInString(title) <= MaxChatTitleRunes {
		return title
	}
	runes := []rune(title)
	return strings.TrimSpace(string(runes[:MaxChatTitleRunes-1])) + "…"
}

// Transcript is a chat with its messages, used for export.
type Transcript struct {
	Chat     Chat
	Messages []Message
	Files    []FileMeta
}
