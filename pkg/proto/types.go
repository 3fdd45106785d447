package proto

import (
	"fmt"

	"github.com/google/uuid"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// MessageID uniquely identifies a message for its whole lifetime
type MessageID string

// CategoryIdentifier classifies a message. The empty value means the message has no category.
type CategoryIdentifier string

// SyncRecordID identifies a pending sync operation a message refers to
type SyncRecordID int64

const (
	// CategoryOther is the catch-all category used by the sync core
	CategoryOther CategoryIdentifier = "_other"
)

// NewMessageID returns a fresh random message ID
func NewMessageID() MessageID {
	return MessageID(uuid.NewString())
}

// SyncIssue describes a problem with a pending sync operation
type SyncIssue struct {
	RecordID SyncRecordID `json:"record_id" yaml:"record_id"`
	Level    string       `json:"level,omitempty" yaml:"level,omitempty"`
}

// Message is a user-facing notification held by the message queue
type Message struct {
	Id          MessageID              `json:"id" yaml:"id"`
	CategoryId  CategoryIdentifier     `json:"category_id,omitempty" yaml:"category_id,omitempty"`
	BookmarkId  string                 `json:"bookmark_id,omitempty" yaml:"bookmark_id,omitempty"`
	Title       string                 `json:"title,omitempty" yaml:"title,omitempty"`
	Description string                 `json:"description,omitempty" yaml:"description,omitempty"`
	Resolved    bool                   `json:"resolved,omitempty" yaml:"resolved,omitempty"`
	Date        *timestamppb.Timestamp `json:"date,omitempty" yaml:"-"`
	SyncIssue   *SyncIssue             `json:"sync_issue,omitempty" yaml:"sync_issue,omitempty"`
	Meta        map[string]string      `json:"meta,omitempty" yaml:"meta,omitempty"`
}

// HasCategory reports whether the message carries a category identifier
func (m *Message) HasCategory() bool {
	return m.CategoryId != ""
}

// SyncRecordID returns the record ID of the message's sync issue, if any
func (m *Message) SyncRecordID() (SyncRecordID, bool) {
	if m.SyncIssue == nil {
		return 0, false
	}
	return m.SyncIssue.RecordID, true
}

// Clone returns a shallow copy of the message with its own meta map and sync issue
func (m *Message) Clone() *Message {
	c := *m
	if m.SyncIssue != nil {
		issue := *m.SyncIssue
		c.SyncIssue = &issue
	}
	if m.Meta != nil {
		c.Meta = make(map[string]string, len(m.Meta))
		for k, v := range m.Meta {
			c.Meta[k] = v
		}
	}
	return &c
}

func (m *Message) String() string {
	return fmt.Sprintf("message(%s, category=%q)", m.Id, m.CategoryId)
}

// MessageGroup collects the messages of a selection that share a category
type MessageGroup struct {
	CategoryId CategoryIdentifier `json:"category_id"`
	Messages   []*Message         `json:"messages"`
}

// Selection is the wire form of a selector snapshot
type Selection struct {
	Name          string          `json:"name"`
	Generation    uint64          `json:"generation"`
	Messages      []*Message      `json:"messages"`
	Groups        []*MessageGroup `json:"groups,omitempty"`
	SyncRecordIds []SyncRecordID  `json:"sync_record_ids,omitempty"`
	Unresolved    int             `json:"unresolved"`
}

// ReplaceMessagesRequest replaces the whole content of the message queue
type ReplaceMessagesRequest struct {
	Messages []*Message `json:"messages"`
}

// ReplaceMessagesResponse reports the queue size after a replace
type ReplaceMessagesResponse struct {
	Count int `json:"count"`
}

// ResolveMessageResponse returns the resolved message
type ResolveMessageResponse struct {
	Message *Message `json:"message"`
}

// ListMessagesResponse returns the queue content
type ListMessagesResponse struct {
	Messages []*Message `json:"messages"`
}

// ListSelectorsResponse returns the configured selector names
type ListSelectorsResponse struct {
	Selectors []string `json:"selectors"`
}
