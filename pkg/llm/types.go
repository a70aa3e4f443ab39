package llm

// Message represents a chat message in a conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is the composed input for one streaming generation: a single
// system instruction plus the ordered conversation messages.
type Request struct {
	System   string
	Messages []Message
}

// Delta represents an incremental update during streaming. A non-nil Err
// is always the final delta on a stream: the provider failed after the
// stream was established, and the channel is closed right after.
type Delta struct {
	Content string
	Err     error
}
