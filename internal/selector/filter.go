package selector

import "github.com/nkkko/msgselect/pkg/proto"

// Filter decides whether a message belongs to a selection. Filters must be
// deterministic within one recomputation.
type Filter func(m *proto.Message) bool

// All matches messages accepted by every filter. With no filters it matches everything.
func All(filters ...Filter) Filter {
	return func(m *proto.Message) bool {
		for _, f := range filters {
			if f != nil && !f(m) {
				return false
			}
		}
		return true
	}
}

// Not inverts a filter
func Not(f Filter) Filter {
	return func(m *proto.Message) bool {
		return !f(m)
	}
}

// InCategories matches messages whose category is one of ids
func InCategories(ids ...proto.CategoryIdentifier) Filter {
	set := make(map[proto.CategoryIdentifier]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return func(m *proto.Message) bool {
		if !m.HasCategory() {
			return false
		}
		_, ok := set[m.CategoryId]
		return ok
	}
}

// ForBookmark matches messages attached to the given bookmark
func ForBookmark(bookmarkID string) Filter {
	return func(m *proto.Message) bool {
		return m.BookmarkId == bookmarkID
	}
}

// Unresolved matches messages the user has not dealt with yet
func Unresolved() Filter {
	return func(m *proto.Message) bool {
		return !m.Resolved
	}
}

// HasSyncIssue matches messages that refer to a pending sync record
func HasSyncIssue() Filter {
	return func(m *proto.Message) bool {
		_, ok := m.SyncRecordID()
		return ok
	}
}

// CountUnresolved returns the number of unresolved messages, as shown on the app badge
func CountUnresolved(messages []*proto.Message) int {
	n := 0
	for _, m := range messages {
		if !m.Resolved {
			n++
		}
	}
	return n
}
