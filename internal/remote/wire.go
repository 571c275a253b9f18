package remote

// Wire types for the hosted API served by `diario serve` and consumed by
// httpstore.

// SubjectHeader carries the caller's identity subject on every request.
const SubjectHeader = "X-Diario-Subject"

// FrameType identifies a change-feed websocket frame.
type FrameType string

const (
	// FrameSubscribe asks the server to start streaming changes for Key.
	FrameSubscribe FrameType = "subscribe"

	// FrameUnsubscribe stops streaming changes for Key.
	FrameUnsubscribe FrameType = "unsubscribe"

	// FrameChange carries one Change from server to client.
	FrameChange FrameType = "change"

	// FrameError reports a rejected subscribe (e.g. foreign key).
	FrameError FrameType = "error"
)

// Frame is one message on the change-feed websocket.
type Frame struct {
	Type   FrameType `json:"type"`
	Key    string    `json:"key"`
	Value  string    `json:"value,omitempty"`
	UserID string    `json:"user_id,omitempty"`
	Error  string    `json:"error,omitempty"`
}

// EntryBody is the JSON body of GET and PUT /v1/entries/{key}.
type EntryBody struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}
