package server

// inboundMessage is one chat frame from the client. SessionID selects
// the CLI session; an empty value targets the user's default session.
// Context is only honored the first time a session is seen.
type inboundMessage struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id,omitempty"`
	Context   string `json:"context,omitempty"`
}
