package subtask

import (
	"time"

	"DevCrew/internal/agent"
)

// SortOrder defines how results should be ordered when listing subtasks.
type SortOrder int

const (
	// SortBySubmittedDesc orders subtasks by SubmittedAt descending.
	SortBySubmittedDesc SortOrder = iota
	// SortBySubmittedAsc orders subtasks by SubmittedAt ascending.
	SortBySubmittedAsc
)

// ListOptions controls how subtasks are selected when querying the store.
type ListOptions struct {
	Limit        int
	Offset       int
	Statuses     []Status
	Role         agent.Role
	Rework       *bool
	SubmittedGTE int64
	SubmittedLTE int64
	Order        SortOrder
}

// applyDefaults sanitizes the options and fills in default values.
func (opts *ListOptions) applyDefaults() {
	if opts.Limit <= 0 {
		opts.Limit = 20
	}
	if opts.Limit > 100 {
		opts.Limit = 100
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}
	if opts.Statuses != nil {
		opts.Statuses = normalizeStatuses(opts.Statuses)
	}
	if opts.Order != SortBySubmittedAsc {
		opts.Order = SortBySubmittedDesc
	}
}

// ListOption mutates ListOptions.
type ListOption func(*ListOptions)

// WithLimit limits the number of subtasks returned.
func WithLimit(limit int) ListOption {
	return func(opts *ListOptions) {
		opts.Limit = limit
	}
}

// WithOffset skips the first n matching subtasks, for paging.
func WithOffset(offset int) ListOption {
	return func(opts *ListOptions) {
		opts.Offset = offset
	}
}

// WithStatuses filters subtasks by the provided statuses.
func WithStatuses(statuses ...Status) ListOption {
	return func(opts *ListOptions) {
		opts.Statuses = append(opts.Statuses[:0], statuses...)
	}
}

// WithRole filters subtasks by their required role.
func WithRole(role agent.Role) ListOption {
	return func(opts *ListOptions) {
		opts.Role = role
	}
}

// WithRework filters subtasks by their rework flag.
func WithRework(rework bool) ListOption {
	return func(opts *ListOptions) {
		opts.Rework = new(bool)
		*opts.Rework = rework
	}
}

// WithSubmittedSince filters subtasks submitted after the instant (inclusive).
func WithSubmittedSince(ts time.Time) ListOption {
	return func(opts *ListOptions) {
		if ts.IsZero() {
			opts.SubmittedGTE = 0
			return
		}
		opts.SubmittedGTE = ts.Unix()
	}
}

// WithSubmittedUntil filters subtasks submitted before the instant (inclusive).
func WithSubmittedUntil(ts time.Time) ListOption {
	return func(opts *ListOptions) {
		if ts.IsZero() {
			opts.SubmittedLTE = 0
			return
		}
		opts.SubmittedLTE = ts.Unix()
	}
}

// WithSortOrder changes the returned order of subtasks.
func WithSortOrder(order SortOrder) ListOption {
	return func(opts *ListOptions) {
		opts.Order = order
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

func matchesListFilters(sub *Subtask, opts ListOptions) bool {
	if len(opts.Statuses) > 0 {
		matched := false
		for _, status := range opts.Statuses {
			if sub.Status == status {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if opts.Role != "" && sub.Role != opts.Role {
		return false
	}
	if opts.Rework != nil && sub.IsRework != *opts.Rework {
		return false
	}
	if opts.SubmittedGTE > 0 && sub.SubmittedAt < opts.SubmittedGTE {
		return false
	}
	if opts.SubmittedLTE > 0 && sub.SubmittedAt > opts.SubmittedLTE {
		return false
	}
	return true
}
