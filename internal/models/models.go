package models

import (
	"strings"
	"time"
)

// Kind tags the message variant.
type Kind string

const (
	KindText Kind = "text"
	KindFile Kind = "file"
)

// DefaultLang is used when a sender does not declare a language.
const DefaultLang = "en"

type FileRef struct {
	URL    string `json:"fileUrl" bson:"url"`
	Name   string `json:"fileName,omitempty" bson:"name"`
	Size   int64  `json:"fileSize,omitempty" bson:"size"`
	Type   string `json:"fileType,omitempty" bson:"type"`
	Format string `json:"format,omitempty" bson:"format"`
}

// Message is a persisted direct message. Delivered is the only field that
// changes after Append.
type Message struct {
	ID        string    `json:"id" bson:"-"`
	From      string    `json:"from" bson:"from"`
	To        string    `json:"to" bson:"to"`
	Kind      Kind      `json:"type" bson:"type"`
	Text      string    `json:"text" bson:"text"`
	File      *FileRef  `json:"file,omitempty" bson:"file,omitempty"`
	SentAt    string    `json:"time" bson:"time"`
	CreatedAt time.Time `json:"createdAt" bson:"created_at"`
	Lang      string    `json:"lang" bson:"lang"`
	Delivered bool      `json:"delivered" bson:"delivered"`
}

// Draft is an outbound message as received from a sender, before validation
// and persistence.
type Draft struct {
	From   string
	To     string
	Kind   Kind
	Text   string
	File   *FileRef
	SentAt string
	Lang   string
}

// Valid reports whether the draft can be persisted. Blank text, a missing
// recipient or a file without a URL are not.
func (d Draft) Valid() bool {
	if strings.TrimSpace(d.To) == "" {
		return false
	}
	switch d.Kind {
	case KindText:
		return strings.TrimSpace(d.Text) != ""
	case KindFile:
		return d.File != nil && d.File.URL != ""
	default:
		return false
	}
}

// Message builds the record to persist. createdAt is the server clock.
func (d Draft) Message(createdAt time.Time) *Message {
	m := &Message{
		From:      d.From,
		To:        strings.TrimSpace(d.To),
		Kind:      d.Kind,
		SentAt:    d.SentAt,
		CreatedAt: createdAt.UTC(),
		Lang:      d.Lang,
	}
	if m.Lang == "" {
		m.Lang = DefaultLang
	}
	switch d.Kind {
	case KindText:
		m.Text = strings.TrimSpace(d.Text)
		if m.SentAt == "" {
			m.SentAt = createdAt.UTC().Format(time.RFC3339Nano)
		}
	case KindFile:
		f := *d.File
		m.File = &f
	}
	return m
}
