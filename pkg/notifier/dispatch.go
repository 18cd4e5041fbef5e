package notifier

// MaxBatch is the provider's hard limit of messages per send call.
const MaxBatch = 500

// Payload is the user-visible content of a push notification.
type Payload struct {
	Title    string            `json:"title"`
	Body     string            `json:"body"`
	ImageURL string            `json:"imageUrl,omitempty"`
	Link     string            `json:"link,omitempty"`
	Data     map[string]string `json:"data,omitempty"`
}

// Multicast shares one payload across up to MaxBatch tokens.
type Multicast struct {
	Tokens  []string `json:"tokens"`
	Payload Payload  `json:"payload"`
}

// TokenMessage is a payload addressed to a single token.
type TokenMessage struct {
	Token   string  `json:"token"`
	Payload Payload `json:"payload"`
}

// DispatchMessage is what travels on the queue between enqueue and send.
// Exactly one of Multicast or Each is set.
type DispatchMessage struct {
	ID        string         `json:"id"`
	Bucket    string         `json:"bucket"`
	Multicast *Multicast     `json:"multicast,omitempty"`
	Each      []TokenMessage `json:"each,omitempty"`
}

// Tokens returns every token the message addresses, in send order.
func (m *DispatchMessage) Tokens() []string {
	if m.Multicast != nil {
		return m.Multicast.Tokens
	}
	tokens := make([]string, len(m.Each))
	for i, tm := range m.Each {
		tokens[i] = tm.Token
	}
	return tokens
}

// SendResult is the provider's per-token outcome.
type SendResult struct {
	Token string
	Err   error
	// Invalid marks a token the provider will never accept again.
	Invalid bool
}
