package state

import (
	"sort"
)

// appendMessage adds m to b. Live messages are appended; history messages
// are inserted after every message with an equal or earlier timestamp so
// they never land ahead of live lines they were replayed alongside.
// Duplicates by identity are dropped. Reports whether m was added.
func appendMessage(b *Buffer, m Message, retention int) bool {
	id := m.Identity()
	if m.ID != "" || m.History {
		for i := len(b.Messages) - 1; i >= 0; i-- {
			if b.Messages[i].Identity() == id {
				return false
			}
		}
	}
	if !m.History || len(b.Messages) == 0 || !b.Messages[len(b.Messages)-1].Time.After(m.Time) {
		b.Messages = append(b.Messages, m)
	} else {
		pos := sort.Search(len(b.Messages), func(i int) bool {
			return b.Messages[i].Time.After(m.Time)
		})
		out := make([]Message, 0, len(b.Messages)+1)
		out = append(out, b.Messages[:pos]...)
		out = append(out, m)
		out = append(out, b.Messages[pos:]...)
		b.Messages = out
	}
	if retention > 0 && len(b.Messages) > retention {
		b.Messages = append([]Message(nil), b.Messages[len(b.Messages)-retention:]...)
	}
	return true
}

// MergeMessages returns the union of lists deduplicated by identity, ordered
// by time and truncated to the newest retention entries.
func MergeMessages(retention int, lists ...[]Message) []Message {
	seen := make(map[string]struct{})
	var out []Message
	for _, list := range lists {
		for _, m := range list {
			id := m.Identity()
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Time.Before(out[j].Time)
	})
	if retention > 0 && len(out) > retention {
		out = out[len(out)-retention:]
	}
	return out
}

// MergeBuffers folds buffers that denote the same target into one. The
// survivor is the selected buffer, else the one with the most messages,
// else the oldest.
func MergeBuffers(bufs []*Buffer, selected BufferKey, retention int) *Buffer {
	if len(bufs) == 0 {
		return nil
	}
	ordered := append([]*Buffer(nil), bufs...)
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if (a.Key == selected) != (b.Key == selected) {
			return a.Key == selected
		}
		if len(a.Messages) != len(b.Messages) {
			return len(a.Messages) > len(b.Messages)
		}
		return a.seq < b.seq
	})
	primary := ordered[0]
	lists := make([][]Message, 0, len(ordered))
	for _, b := range ordered {
		lists = append(lists, b.Messages)
	}
	merged := *primary
	merged.Messages = MergeMessages(retention, lists...)
	for _, b := range ordered[1:] {
		merged.Unread += b.Unread
		merged.Highlights += b.Highlights
		merged.Joined = merged.Joined || b.Joined
		if merged.Topic == "" {
			merged.Topic = b.Topic
			merged.TopicBy = b.TopicBy
		}
		if merged.Modes == "" {
			merged.Modes = b.Modes
		}
	}
	return &merged
}
