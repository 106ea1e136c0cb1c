// Package conversation holds the view model behind a chat window: grouping
// of messages by day, avatar suppression for consecutive messages, the
// message composer and a session scoped conversation store.
package conversation

import (
	"time"

	"github.com/rickb777/date"

	"github.com/stageconnect/messaging/pkg/messaging/envelope"
)

// DateLabelLayout formats date group labels, e.g. "Mar 4, 2025".
const DateLabelLayout = "Jan 2, 2006"

// AvatarWindow is the longest gap between two messages from the same
// sender for which the second one is drawn without an avatar.
const AvatarWindow = 5 * time.Minute

// DateGroup is the run of messages sent on one calendar day.
type DateGroup struct {
	Date     date.Date
	Label    string
	Messages []envelope.Envelope
}

// GroupByDate buckets msgs by calendar day in loc. Groups appear in the order
// their first message occurs and messages keep their relative order. A nil
// loc means time.Local.
func GroupByDate(msgs []envelope.Envelope, loc *time.Location) []DateGroup {
	if loc == nil {
		loc = time.Local
	}

	var groups []DateGroup
	index := make(map[date.Date]int)

	for _, msg := range msgs {
		day := date.NewAt(msg.Timestamp.In(loc))

		i, ok := index[day]
		if !ok {
			i = len(groups)
			index[day] = i
			groups = append(groups, DateGroup{Date: day, Label: day.Format(DateLabelLayout)})
		}
		groups[i].Messages = append(groups[i].Messages, msg)
	}

	return groups
}

// ShowAvatar reports whether msgs[i] is drawn with its sender's avatar.
// The local user's own messages never are. Otherwise a message shows the
// avatar unless the message before it in the list has the same sender and
// was sent at most AvatarWindow earlier.
func ShowAvatar(msgs []envelope.Envelope, i int, localUserID int64) bool {
	msg := msgs[i]
	if msg.SenderID == localUserID {
		return false
	}
	if i == 0 {
		return true
	}

	prev := msgs[i-1]
	if prev.SenderID == msg.SenderID && msg.Timestamp.Sub(prev.Timestamp) <= AvatarWindow {
		return false
	}
	return true
}

// AvatarVisibility applies ShowAvatar to every message.
func AvatarVisibility(msgs []envelope.Envelope, localUserID int64) []bool {
	shown := make([]bool, len(msgs))
	for i := range msgs {
		shown[i] = ShowAvatar(msgs, i, localUserID)
	}
	return shown
}
