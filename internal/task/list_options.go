package task

import (
	"strings"
	"time"
)

// SortOrder defines how results should be ordered when listing tasks.
type SortOrder int

const (
	// Unordered leaves tasks in map iteration order.
	Unordered SortOrder = iota
	// SortByCreatedDesc orders tasks by CreatedAt descending (most recent first).
	SortByCreatedDesc
	// SortByCreatedAsc orders tasks by CreatedAt ascending (oldest first).
	SortByCreatedAsc
	// SortByPriority orders tasks High > Medium > Low.
	SortByPriority
)

// ParseSortOrder maps the transport spelling of an order onto SortOrder.
func ParseSortOrder(raw string) SortOrder {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "created_desc", "desc", "newest":
		return SortByCreatedDesc
	case "created_asc", "asc", "oldest":
		return SortByCreatedAsc
	case "priority":
		return SortByPriority
	default:
		return Unordered
	}
}

// ListOptions controls how tasks are selected when querying the store.
// The zero value selects every task with no ordering and no limit.
type ListOptions struct {
	Limit        int
	Offset       int
	Statuses     []Status
	Priorities   []Priority
	CreatedAfter time.Time
	Order        SortOrder
	Query        string
}

// applyDefaults sanitizes the options.
func (opts *ListOptions) applyDefaults() {
	if opts.Limit < 0 {
		opts.Limit = 0
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}
	if opts.Statuses != nil {
		opts.Statuses = normalizeStatuses(opts.Statuses)
	}
	if opts.Priorities != nil {
		opts.Priorities = normalizePriorities(opts.Priorities)
	}
	opts.Query = strings.TrimSpace(opts.Query)
}

// ListOption mutates ListOptions.
type ListOption func(*ListOptions)

// WithLimit limits the number of tasks returned.
func WithLimit(limit int) ListOption {
	return func(opts *ListOptions) {
		opts.Limit = limit
	}
}

// WithOffset skips the first n matching tasks before returning results.
func WithOffset(offset int) ListOption {
	return func(opts *ListOptions) {
		opts.Offset = offset
	}
}

// WithStatuses filters tasks by the provided statuses.
func WithStatuses(statuses ...Status) ListOption {
	return func(opts *ListOptions) {
		opts.Statuses = append(opts.Statuses[:0], statuses...)
	}
}

// WithPriorities filters tasks by the provided priorities.
func WithPriorities(priorities ...Priority) ListOption {
	return func(opts *ListOptions) {
		opts.Priorities = append(opts.Priorities[:0], priorities...)
	}
}

// WithCreatedSince keeps tasks created at or after ts.
func WithCreatedSince(ts time.Time) ListOption {
	return func(opts *ListOptions) {
		opts.CreatedAfter = ts
	}
}

// WithSortOrder changes the returned order of tasks.
func WithSortOrder(order SortOrder) ListOption {
	return func(opts *ListOptions) {
		opts.Order = order
	}
}

// WithQuery filters tasks whose name contains query, ignoring case.
func WithQuery(query string) ListOption {
	return func(opts *ListOptions) {
		opts.Query = query
	}
}

// buildListOptions applies option functions on top of defaults.
func buildListOptions(opts []ListOption) ListOptions {
	options := ListOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	options.applyDefaults()
	return options
}

func normalizeStatuses(input []Status) []Status {
	if len(input) == 0 {
		return nil
	}
	seen := make(map[Status]struct{}, len(input))
	result := make([]Status, 0, len(input))
	for _, status := range input {
		if !IsValidStatus(status) {
			continue
		}
		if _, ok := seen[status]; ok {
			continue
		}
		seen[status] = struct{}{}
		result = append(result, status)
	}
	if len(result) == 0 {
		return nil
	}
	return result
}

func normalizePriorities(input []Priority) []Priority {
	if len(input) == 0 {
		return nil
	}
	seen := make(map[Priority]struct{}, len(input))
	result := make([]Priority, 0, len(input))
	for _, priority := range input {
		if priority.Rank() == 0 {
			continue
		}
		if _, ok := seen[priority]; ok {
			continue
		}
		seen[priority] = struct{}{}
		result = append(result, priority)
	}
	if len(result) == 0 {
		return nil
	}
	return result
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
