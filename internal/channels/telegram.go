package channels

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramMaxMessageLen is the hard cap Telegram enforces on sendMessage
// text. The splitter keeps every outbound chunk under this.
const TelegramMaxMessageLen = 4096

// longPollTimeout is the server-side getUpdates hold, in seconds.
const longPollTimeout = 50

// TelegramPort implements ChatPort over the Telegram Bot API.
//
// The typed surface of the client library predates forum topics, so polling
// and sending go through its raw request path with message_thread_id handled
// here. The library still owns auth, throttling and API error decoding.
type TelegramPort struct {
	bot    *tgbotapi.BotAPI
	logger *slog.Logger

	allowedMu sync.RWMutex
	allowed   map[int64]struct{} // empty set means allow all
}

// NewTelegramPort authenticates against the Bot API and returns the port.
func NewTelegramPort(token string, allowedIDs []int64, logger *slog.Logger) (*TelegramPort, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram init failed: %w", err)
	}
	p := &TelegramPort{bot: bot, logger: logger}
	p.SetAllowedIDs(allowedIDs)
	logger.Info("telegram bot authenticated", "user", bot.Self.UserName)
	return p, nil
}

// SetAllowedIDs replaces the chat allowlist. Called on config hot-reload.
func (p *TelegramPort) SetAllowedIDs(ids []int64) {
	allowed := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		allowed[id] = struct{}{}
	}
	p.allowedMu.Lock()
	p.allowed = allowed
	p.allowedMu.Unlock()
}

func (p *TelegramPort) allowedChat(chatID int64) bool {
	p.allowedMu.RLock()
	defer p.allowedMu.RUnlock()
	if len(p.allowed) == 0 {
		return true
	}
	_, ok := p.allowed[chatID]
	return ok
}

// rawUpdate mirrors the subset of the Bot API update payload the relay
// consumes, including message_thread_id which the library does not decode.
type rawUpdate struct {
	UpdateID int64 `json:"update_id"`
	Message  *struct {
		MessageID       int   `json:"message_id"`
		MessageThreadID *int  `json:"message_thread_id"`
		Date            int64 `json:"date"`
		Chat            struct {
			ID int64 `json:"id"`
		} `json:"chat"`
		Text string `json:"text"`
	} `json:"message"`
}

// ReceiveUpdates long-polls getUpdates from cursor. Messages from chats
// outside the allowlist are dropped but still advance the cursor.
func (p *TelegramPort) ReceiveUpdates(ctx context.Context, cursor int64) ([]Update, error) {
	params := tgbotapi.Params{}
	params.AddNonZero64("offset", cursor)
	params.AddNonZero("timeout", longPollTimeout)
	_ = params.AddInterface("allowed_updates", []string{"message"})

	resp, err := p.request(ctx, "getUpdates", params)
	if err != nil {
		return nil, err
	}

	var raw []rawUpdate
	if err := json.Unmarshal(resp.Result, &raw); err != nil {
		return nil, fmt.Errorf("decode getUpdates result: %w", err)
	}

	updates := make([]Update, 0, len(raw))
	for _, ru := range raw {
		u := Update{UpdateID: ru.UpdateID}
		if m := ru.Message; m != nil && m.Text != "" {
			if !p.allowedChat(m.Chat.ID) {
				p.logger.Warn("telegram access denied", "chat_id", m.Chat.ID)
			} else {
				u.Message = &Message{
					ChatID:          m.Chat.ID,
					ThreadID:        m.MessageThreadID,
					Text:            m.Text,
					ReceivedAt:      time.Unix(m.Date, 0).UTC(),
					SourceMessageID: m.MessageID,
				}
			}
		}
		updates = append(updates, u)
	}
	return updates, nil
}

// Send delivers one message, attaching message_thread_id when set.
func (p *TelegramPort) Send(ctx context.Context, out Outbound) error {
	params := tgbotapi.Params{}
	params.AddNonEmpty("chat_id", strconv.FormatInt(out.ChatID, 10))
	params.AddNonEmpty("text", out.Text)
	if out.ThreadID != nil {
		params.AddNonZero("message_thread_id", *out.ThreadID)
	}
	_, err := p.request(ctx, "sendMessage", params)
	return err
}

// request wraps the raw API call and maps library errors to *TransportError.
func (p *TelegramPort) request(ctx context.Context, method string, params tgbotapi.Params) (*tgbotapi.APIResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	resp, err := p.bot.MakeRequest(method, params)
	if err != nil {
		var apiErr *tgbotapi.Error
		if errors.As(err, &apiErr) {
			return nil, &TransportError{StatusCode: apiErr.Code, Method: method, Err: err}
		}
		return nil, fmt.Errorf("telegram %s: %w", method, err)
	}
	return resp, nil
}
