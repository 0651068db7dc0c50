package webhook

import "strings"

// Event types delivered by the realtime service.
const (
	EventCallIncoming = "realtime.call.incoming"
	EventCallEnded    = "realtime.call.ended"
)

// Event is the decoded webhook envelope. Type discriminates the payload
// carried in Data; unrecognized types must be acknowledged, not rejected.
type Event struct {
	ID        string    `json:"id"`
	Object    string    `json:"object"`
	Type      string    `json:"type"`
	CreatedAt int64     `json:"created_at"`
	Data      EventData `json:"data"`
}

// EventData carries the call-scoped payload fields.
type EventData struct {
	CallID     string      `json:"call_id"`
	SIPHeaders []SIPHeader `json:"sip_headers,omitempty"`
}

// SIPHeader is one SIP header forwarded from the trunk.
type SIPHeader struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Header returns the value of the named SIP header, matching
// case-insensitively, or "" when absent.
func (d EventData) Header(name string) string {
	for _, h := range d.SIPHeaders {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}
