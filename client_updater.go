package scopestream

// Contains the ClientUpdater, which records JSON-encoded messages giving the
// latest pipeline state.

import (
	"bytes"
	"context"
	"encoding/json"
)

// ClientUpdate carries one state message for interested clients.
type ClientUpdate struct {
	tag   string
	state interface{}
}

// Tag returns the kind of message, such as "TRIGGER".
func (u ClientUpdate) Tag() string {
	return u.tag
}

// sendUpdate offers a message without ever blocking the caller. With no
// updater (nil channel) or a full one, the message is dropped.
func sendUpdate(updates chan<- ClientUpdate, tag string, state interface{}) {
	if updates == nil {
		return
	}
	select {
	case updates <- ClientUpdate{tag: tag, state: state}:
	default:
		ProblemLogger.Printf("client update %s dropped: updater is busy", tag)
	}
}

// RunClientUpdater logs each message from its input channel to the UpdateLogger,
// skipping any message identical to the previous one with the same tag.
// It returns when ctx is done or messages is closed.
func RunClientUpdater(ctx context.Context, messages <-chan ClientUpdate) {
	lastMessages := make(map[string][]byte)
	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-messages:
			if !ok {
				return
			}
			message, err := json.Marshal(update.state)
			if err != nil {
				ProblemLogger.Printf("could not encode client update %s: %v", update.tag, err)
				continue
			}
			if last, ok := lastMessages[update.tag]; ok && bytes.Equal(last, message) {
				continue
			}
			lastMessages[update.tag] = message
			UpdateLogger.Printf("%s %s", update.tag, message)
		}
	}
}
