package session

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// RootThread is the thread component of a TopicKey for messages outside any
// forum topic.
const RootThread = "root"

// TopicKey returns the canonical conversation identifier "chatId:threadId",
// with the literal "root" when no thread is present.
func TopicKey(chatID int64, threadID *int) string {
	thread := RootThread
	if threadID != nil {
		thread = strconv.Itoa(*threadID)
	}
	return strconv.FormatInt(chatID, 10) + ":" + thread
}

// Key identifies one resumable conversation: a topic bound to a workspace.
type Key struct {
	Topic     string
	Workspace string
}

// Encode serializes the key as a JSON two-element tuple. This is the
// wire-visible persisted form; admin tooling decodes by parsing the tuple.
func (k Key) Encode() string {
	data, _ := json.Marshal([2]string{k.Topic, k.Workspace})
	return string(data)
}

// DecodeKey parses the persisted tuple form.
func DecodeKey(s string) (Key, error) {
	var tuple [2]string
	if err := json.Unmarshal([]byte(s), &tuple); err != nil {
		return Key{}, fmt.Errorf("decode session key %q: %w", s, err)
	}
	if tuple[0] == "" {
		return Key{}, fmt.Errorf("decode session key %q: empty topic", s)
	}
	return Key{Topic: tuple[0], Workspace: tuple[1]}, nil
}
