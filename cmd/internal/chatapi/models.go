package chatapi

import (
	"time"

	"quad/cmd/internal/chat"
)

type resolveChatRequest struct {
	TargetAccountID string `json:"target_account_id"`
}

type resolveChatResponse struct {
	ChatID string `json:"chat_id"`
}

type lastMessageResponse struct {
	Text   string    `json:"text"`
	Sender string    `json:"sender"`
	Seq    int64     `json:"seq"`
	TS     time.Time `json:"ts"`
}

type chatResponse struct {
	ID           string               `json:"id"`
	ParticipantA string               `json:"participant_a"`
	ParticipantB string               `json:"participant_b"`
	LastMessage  *lastMessageResponse `json:"last_message,omitempty"`
	CreatedAt    time.Time            `json:"created_at"`
}

type messageResponse struct {
	ID       string    `json:"id"`
	ChatID   string    `json:"chat_id"`
	Sender   string    `json:"sender"`
	Text     string    `json:"text"`
	Seq      int64     `json:"seq"`
	ServerTS time.Time `json:"server_ts"`
}

type listMessagesResponse struct {
	Messages []messageResponse `json:"messages"`
	HasMore  bool              `json:"has_more"`
}

type markReadRequest struct {
	ThroughSeq int64 `json:"through_seq"`
}

type unreadResponse struct {
	Unread int64 `json:"unread"`
}

type devTokenRequest struct {
	AccountID string `json:"account_id"`
}

type devTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func toChatResponse(c chat.Chat) chatResponse {
	out := chatResponse{
		ID:           c.ID,
		ParticipantA: c.ParticipantA,
		ParticipantB: c.ParticipantB,
		CreatedAt:    c.CreatedAt,
	}
	if c.LastMessage != nil {
		out.LastMessage = &lastMessageResponse{
			Text:   c.LastMessage.Text,
			Sender: c.LastMessage.Sender,
			Seq:    c.LastMessage.Seq,
			TS:     c.LastMessage.TS,
		}
	}
	return out
}

func toMessageResponse(m chat.Message) messageResponse {
	return messageResponse{
		ID:       m.ID,
		ChatID:   m.ChatID,
		Sender:   m.Sender,
		Text:     m.Text,
		Seq:      m.Seq,
		ServerTS: m.ServerTS,
	}
}
