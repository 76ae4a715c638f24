package models

// Room is a named channel holding one ordered message history.
type Room struct {
	ID    string `json:"id"`
	Title string `json:"title,omitempty"`
	// CreatedTS in milliseconds.
	CreatedTS int64 `json:"created_ts,omitempty"`
	// Revoked rooms reject writes and terminate subscriptions.
	Revoked bool `json:"revoked,omitempty"`
}

// DisplayTitle falls back to the id when no title was set.
func (r Room) DisplayTitle() string {
	if r.Title != "" {
		return r.Title
	}
	return r.ID
}
