package models

import (
	"fmt"

	"github.com/nkkko/msgselect/internal/api/errors"
	"github.com/nkkko/msgselect/internal/api/validation"
	"github.com/nkkko/msgselect/pkg/proto"
	"google.golang.org/protobuf/types/known/timestamppb"
)

const (
	maxIDLength    = 128
	maxTitleLength = 1024
)

// MessagesRequest carries messages for a replace or add operation
type MessagesRequest struct {
	Messages []*proto.Message `json:"messages"`
}

// Validate checks that every message has a unique, bounded ID
func (r *MessagesRequest) Validate() error {
	seen := make(map[proto.MessageID]int, len(r.Messages))

	for i, m := range r.Messages {
		field := fmt.Sprintf("messages[%d]", i)
		if m == nil {
			return errors.ValidationError("null_message", field+" must not be null")
		}
		if err := validation.Required(field+".id", string(m.Id)); err != nil {
			return err
		}
		if err := validation.MaxLength(field+".id", string(m.Id), maxIDLength); err != nil {
			return err
		}
		if err := validation.MaxLength(field+".title", m.Title, maxTitleLength); err != nil {
			return err
		}
		if first, dup := seen[m.Id]; dup {
			return errors.ValidationError("duplicate_message_id",
				fmt.Sprintf("%s.id duplicates messages[%d].id", field, first)).
				WithDetails(map[string]string{"id": string(m.Id)})
		}
		seen[m.Id] = i
	}
	return nil
}

// ToProto returns the messages, stamping the ones without a date
func (r *MessagesRequest) ToProto() []*proto.Message {
	now := timestamppb.Now()
	out := make([]*proto.Message, 0, len(r.Messages))
	for _, m := range r.Messages {
		if m.Date == nil {
			m.Date = now
		}
		out = append(out, m)
	}
	return out
}
