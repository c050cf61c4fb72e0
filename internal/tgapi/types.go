package tgapi

// apiResponse is the standard Telegram Bot API envelope.
type apiResponse struct {
	Ok          bool                `json:"ok"`
	RawResult   rawJSON             `json:"result,omitempty"`
	ErrorCode   int                 `json:"error_code,omitempty"`
	Description string              `json:"description,omitempty"`
	Parameters  *responseParameters `json:"parameters,omitempty"`
}

type rawJSON []byte

func (r *rawJSON) UnmarshalJSON(data []byte) error {
	*r = append((*r)[:0], data...)
	return nil
}

type responseParameters struct {
	RetryAfter      int   `json:"retry_after,omitempty"`
	MigrateToChatID int64 `json:"migrate_to_chat_id,omitempty"`
}

// User is the subset of the Telegram User object the gateway reads.
type User struct {
	ID       int64  `json:"id"`
	IsBot    bool   `json:"is_bot"`
	Username string `json:"username"`
}

// Chat is the subset of the Telegram Chat object the gateway reads.
type Chat struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`
}

// PhotoSize is one rendition of an uploaded photo. Telegram returns
// renditions smallest-first; the last carries the full-size file_id.
type PhotoSize struct {
	FileID   string `json:"file_id"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	FileSize int64  `json:"file_size"`
}

type Video struct {
	FileID   string `json:"file_id"`
	Duration int    `json:"duration"`
	MimeType string `json:"mime_type"`
}

type Audio struct {
	FileID   string `json:"file_id"`
	Duration int    `json:"duration"`
	MimeType string `json:"mime_type"`
}

// Message is the subset of the Telegram Message object the gateway reads
// back from send calls and webhook updates.
type Message struct {
	ID    int64       `json:"message_id"`
	From  *User       `json:"from,omitempty"`
	Chat  Chat        `json:"chat"`
	Text  string      `json:"text,omitempty"`
	Photo []PhotoSize `json:"photo,omitempty"`
	Video *Video      `json:"video,omitempty"`
	Audio *Audio      `json:"audio,omitempty"`
}

// MediaFileID extracts the reusable file_id from a sent media message.
// Empty when the message carries no media.
func (m *Message) MediaFileID() string {
	switch {
	case m.Audio != nil:
		return m.Audio.FileID
	case m.Video != nil:
		return m.Video.FileID
	case len(m.Photo) > 0:
		return m.Photo[len(m.Photo)-1].FileID
	}
	return ""
}

// Update is the webhook payload envelope.
type Update struct {
	UpdateID int64    `json:"update_id"`
	Message  *Message `json:"message,omitempty"`
}

// WebhookInfo mirrors getWebhookInfo.
type WebhookInfo struct {
	URL                  string `json:"url"`
	HasCustomCertificate bool   `json:"has_custom_certificate"`
	PendingUpdateCount   int    `json:"pending_update_count"`
	LastErrorDate        int64  `json:"last_error_date,omitempty"`
	LastErrorMessage     string `json:"last_error_message,omitempty"`
}
