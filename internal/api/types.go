package api

// Agent is a configured conversational agent.
type Agent struct {
	BotID     string  `json:"bot_id"`
	Name      string  `json:"name"`
	VoiceID   *string `json:"voice_id,omitempty"`
	Prompt    string  `json:"prompt,omitempty"`
	Avatar    *string `json:"avatar,omitempty"`
	CreatedAt string  `json:"created_at"`
}

// AvatarURL returns the avatar URL or "".
func (a Agent) AvatarURL() string {
	if a.Avatar == nil {
		return ""
	}
	return *a.Avatar
}

// AgentRequest is the body of create and update calls.
type AgentRequest struct {
	Name    string  `json:"name"`
	VoiceID *string `json:"voice_id,omitempty"`
	Prompt  string  `json:"prompt,omitempty"`
	Avatar  *string `json:"avatar,omitempty"`
}

// AgentPage is one page of ListAgents.
type AgentPage struct {
	Items      []Agent `json:"items"`
	NextCursor *string `json:"next_cursor,omitempty"`
}

// Chat is one stored exchange.
type Chat struct {
	SessionID string `json:"session_id,omitempty"`
	Query     string `json:"query"`
	Response  string `json:"response"`
	CreatedAt string `json:"created_at"`
}

// ChatPage is a page of chats, newest first.
type ChatPage struct {
	Items      []Chat  `json:"items"`
	NextCursor *string `json:"next_cursor,omitempty"`
}

// AgentDetail is an agent with its recent history.
type AgentDetail struct {
	Agent Agent    `json:"agent"`
	Chats ChatPage `json:"chats"`
}

// History returns the chats oldest first.
func (d *AgentDetail) History() []Chat {
	n := len(d.Chats.Items)
	out := make([]Chat, n)
	for i, c := range d.Chats.Items {
		out[n-1-i] = c
	}
	return out
}

// Session is a server-side conversation session.
type Session struct {
	SessionID string `json:"session_id"`
	Title     string `json:"title,omitempty"`
	Summary   string `json:"summary,omitempty"`
	CreatedAt string `json:"created_at,omitempty"`
	UpdatedAt string `json:"updated_at,omitempty"`
}
