package tenant

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

var (
	numericChatID  = regexp.MustCompile(`^-?\d+$`)
	channelChatID  = regexp.MustCompile(`^@[A-Za-z0-9_]{5,32}$`)
	repoPartRegexp = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)
	eventRegexp    = regexp.MustCompile(`^[a-z_]+$`)
)

// ValidationError reports a malformed command argument. Field names the
// argument; Reason is shown to the user.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// DestinationSpec is a parsed /adddest target. Here means "the chat the
// command was sent from".
type DestinationSpec struct {
	Here    bool
	ChatID  string
	TopicID *int64
}

// ParseDestinationSpec accepts "here", "<chat>" or "<chat>:<topic>", where
// chat is a numeric id or an @channel username.
func ParseDestinationSpec(raw string) (DestinationSpec, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return DestinationSpec{}, invalid("destination", "empty")
	}
	if strings.EqualFold(raw, "here") {
		return DestinationSpec{Here: true}, nil
	}

	chat, topic, hasTopic := strings.Cut(raw, ":")
	if !numericChatID.MatchString(chat) && !channelChatID.MatchString(chat) {
		return DestinationSpec{}, invalid("destination", "chat must be a numeric id or @channel")
	}
	spec := DestinationSpec{ChatID: chat}
	if hasTopic {
		id, err := ParseTopicID(topic)
		if err != nil {
			return DestinationSpec{}, err
		}
		spec.TopicID = &id
	}
	return spec, nil
}

func ParseTopicID(raw string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id <= 0 {
		return 0, invalid("topic", "must be a positive integer")
	}
	return id, nil
}

// ParseRepo checks the owner/name form. The repository need not exist.
func ParseRepo(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	owner, name, ok := strings.Cut(raw, "/")
	if !ok || strings.Contains(name, "/") {
		return "", invalid("repo", "must be owner/repo")
	}
	if !repoPartRegexp.MatchString(owner) || !repoPartRegexp.MatchString(name) {
		return "", invalid("repo", "must be owner/repo")
	}
	return raw, nil
}

// EventFilter is a subscription's allow-list. A nil set admits every event;
// an empty one admits none.
type EventFilter struct {
	names map[string]struct{}
}

// ParseEvents reads "*", an empty string, or a comma separated list of
// GitHub event names.
func ParseEvents(raw string) (EventFilter, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "*" {
		return EventFilter{}, nil
	}
	names := map[string]struct{}{}
	for _, part := range strings.Split(raw, ",") {
		name := strings.TrimSpace(part)
		if name == "" {
			continue
		}
		if name == "*" {
			return EventFilter{}, nil
		}
		if !eventRegexp.MatchString(name) {
			return EventFilter{}, invalid("events", fmt.Sprintf("unknown event name %q", name))
		}
		names[name] = struct{}{}
	}
	if len(names) == 0 {
		return EventFilter{}, nil
	}
	return EventFilter{names: names}, nil
}

// noEvents admits nothing.
func noEvents() EventFilter {
	return EventFilter{names: map[string]struct{}{}}
}

// Allows reports whether event passes the filter. Matching is exact and
// case-sensitive.
func (f EventFilter) Allows(event string) bool {
	if f.names == nil {
		return true
	}
	_, ok := f.names[event]
	return ok
}

// String is the stored form: "*" or sorted names joined by commas.
func (f EventFilter) String() string {
	if f.names == nil {
		return "*"
	}
	out := make([]string, 0, len(f.names))
	for name := range f.names {
		out = append(out, name)
	}
	sort.Strings(out)
	return strings.Join(out, ",")
}
