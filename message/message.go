// Package message defines the message exchanged over the bus, locally or between nodes.
//
// Message is the "envelope" of every bus delivery. Between nodes it is serialized by the
// codec layer and wrapped in a protocol frame for transmission over TCP.
//
//   - On request: Address and Headers are set, Body carries the request envelope.
//   - On reply:   Body carries the reply envelope, or Code/Error describe the failure.
package message

// HeaderAction names the header carrying the method a request invokes.
const HeaderAction = "action"

// Reserved codes for failures of the bus itself. Positive codes are failure statuses
// set by the recipient.
const (
	CodeNoHandlers  = -1 // nobody consumes the address
	CodeTimeout     = -2 // no reply within the request timeout
	CodeUnreachable = -3 // the connection to the recipient's node broke
)

// Message carries a single request or reply.
type Message struct {
	Address string            `json:"address,omitempty"` // Target address, e.g. "users.Service"
	Headers map[string]string `json:"headers,omitempty"` // Out-of-band metadata, e.g. "action"
	Body    []byte            `json:"body,omitempty"`    // Request or reply envelope as JSON bytes
	Code    int               `json:"code,omitempty"`    // Non-zero if the exchange failed
	Error   string            `json:"error,omitempty"`   // Failure message text
}

// Header returns the value of a header, or "" when absent.
func (m *Message) Header(key string) string {
	if m.Headers == nil {
		return ""
	}
	return m.Headers[key]
}

// SetHeader sets a header, allocating the map when needed.
func (m *Message) SetHeader(key, value string) {
	if m.Headers == nil {
		m.Headers = make(map[string]string)
	}
	m.Headers[key] = value
}

// Failed reports whether the message is a failure reply.
func (m *Message) Failed() bool {
	return m.Code != 0
}

// Clone returns a deep copy, so sender and receiver never share headers or body.
func (m *Message) Clone() *Message {
	c := &Message{
		Address: m.Address,
		Code:    m.Code,
		Error:   m.Error,
	}
	if m.Headers != nil {
		c.Headers = make(map[string]string, len(m.Headers))
		for k, v := range m.Headers {
			c.Headers[k] = v
		}
	}
	if m.Body != nil {
		c.Body = append([]byte(nil), m.Body...)
	}
	return c
}
