// Package conversations derives the conversation list of one identity from
// its messages. Nothing here is persisted; every list is recomputed from the
// full message set.
package conversations

import (
	"sort"
	"strings"
	"time"

	"tourchat/models"
)

// Aggregate folds every message of self into one Conversation per
// counterpart. The result does not depend on the order of all: the last
// message is the one with the greatest timestamp (unacknowledged messages
// count as now, ties go to the later insert) and the unread count is the
// number of unread messages the counterpart sent to self.
func Aggregate(self string, all []models.Message, now int64) []models.Conversation {
	byCounterpart := make(map[string]*models.Conversation)
	order := make([]string, 0)

	for _, message := range all {
		if message.Sender != self && message.Receiver != self {
			continue
		}
		counterpart := message.Counterpart(self)
		if counterpart == "" || counterpart == self {
			continue
		}

		entry, ok := byCounterpart[counterpart]
		if !ok {
			entry = &models.Conversation{Counterpart: counterpart, LastMessage: message}
			byCounterpart[counterpart] = entry
			order = append(order, counterpart)
		} else if newer(message, entry.LastMessage, now) {
			entry.LastMessage = message
		}

		if message.Receiver == self && !message.Read {
			entry.UnreadCount++
		}
	}

	list := make([]models.Conversation, 0, len(order))
	for _, counterpart := range order {
		entry := byCounterpart[counterpart]
		entry.LastTimestamp = entry.LastMessage.Timestamp
		list = append(list, *entry)
	}
	return list
}

func newer(candidate, current models.Message, now int64) bool {
	ct, cur := candidate.SortTime(now), current.SortTime(now)
	if ct != cur {
		return ct > cur
	}
	return candidate.Seq > current.Seq
}

// SortByRecent orders conversations by last message, newest first.
func SortByRecent(list []models.Conversation, now int64) {
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].LastMessage.SortTime(now) > list[j].LastMessage.SortTime(now)
	})
}

// TotalUnread sums the unread counts of list.
func TotalUnread(list []models.Conversation) int {
	total := 0
	for _, conversation := range list {
		total += conversation.UnreadCount
	}
	return total
}

// Filter keeps conversations whose display name or counterpart identity
// contains query, ignoring case. An empty query keeps everything.
func Filter(list []models.Conversation, query string) []models.Conversation {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return list
	}

	out := make([]models.Conversation, 0, len(list))
	for _, conversation := range list {
		if strings.Contains(strings.ToLower(conversation.DisplayName), query) ||
			strings.Contains(strings.ToLower(conversation.Counterpart), query) {
			out = append(out, conversation)
		}
	}
	return out
}

// LocalPart returns the part of identity before '@', or identity itself.
func LocalPart(identity string) string {
	if at := strings.IndexByte(identity, '@'); at > 0 {
		return identity[:at]
	}
	return identity
}

// FormatTimestamp renders a list timestamp relative to now: the clock time
// for today, "Yesterday", otherwise the month and day.
func FormatTimestamp(ts, now time.Time) string {
	ts = ts.In(now.Location())
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	yesterday := today.AddDate(0, 0, -1)

	switch {
	case !ts.Before(today):
		return ts.Format("15:04")
	case !ts.Before(yesterday):
		return "Yesterday"
	default:
		return ts.Format("Jan 2")
	}
}
