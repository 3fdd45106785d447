package domain

import (
	"context"

	"github.com/nkkko/msgselect/pkg/proto"
)

// MessageSource holds an ordered list of messages and reports changes to it
type MessageSource interface {
	// Messages returns the current list. The boolean is false when the source
	// has no list, e.g. after it was torn down.
	Messages() ([]*proto.Message, bool)

	// Subscribe calls onChange once immediately and again after every
	// mutation, from whatever goroutine performed the mutation
	Subscribe(onChange func()) Subscription
}

// Subscription is a handle on a registered change observer
type Subscription interface {
	// Cancel stops further notifications. Safe to call more than once.
	Cancel()
}

// Debouncer bounds how often an action may run
type Debouncer interface {
	// Schedule requests a run of action, coalescing bursts
	Schedule(action func())

	// CancelPending drops a run that has been scheduled but not started
	CancelPending()
}

// SelectionPublisher receives every published selection of a named selector
type SelectionPublisher interface {
	Publish(selection *proto.Selection)
}

// APIEngine defines the interface for API implementations
type APIEngine interface {
	// Start initializes and runs the API server
	Start(ctx context.Context) error

	// Shutdown stops the API server
	Shutdown(ctx context.Context) error

	// Addr returns the bound listen address, empty before Start
	Addr() string
}
