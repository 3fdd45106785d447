package api

import (
	"net/http"

	"github.com/nkkko/msgselect/pkg/proto"
)

// MessageStore is the message queue as seen by the API
type MessageStore interface {
	Messages() ([]*proto.Message, bool)
	Set(messages []*proto.Message) error
	Add(messages ...*proto.Message) error
	Remove(ids ...proto.MessageID) error
	Resolve(id proto.MessageID) (*proto.Message, error)
}

// SelectionRegistry gives access to the current selection of every selector
type SelectionRegistry interface {
	// Selectors returns the selector names in a stable order
	Selectors() []string

	// Selection returns the last published selection of the named selector
	Selection(name string) (*proto.Selection, bool)
}

// StreamServer serves live selection streams
type StreamServer interface {
	ServeWebSocket(w http.ResponseWriter, r *http.Request, name string) error
}
