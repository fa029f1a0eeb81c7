package present

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/atmx/session-engine/internal/model"
	"github.com/atmx/session-engine/internal/view"
)

// DefaultTelegramURL is the Bot API endpoint.
const DefaultTelegramURL = "https://api.telegram.org"

// Telegram presents surfaces as bot messages with inline keyboards. User IDs
// are Telegram user IDs, which double as private chat IDs. References have the
// form "<chat_id>:<message_id>".
type Telegram struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewTelegram creates a Telegram presenter. An empty baseURL uses
// DefaultTelegramURL.
func NewTelegram(baseURL, token string, timeout time.Duration) *Telegram {
	if baseURL == "" {
		baseURL = DefaultTelegramURL
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Telegram{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: timeout},
	}
}

type inlineButton struct {
	Text         string `json:"text"`
	CallbackData string `json:"callback_data"`
}

type replyMarkup struct {
	InlineKeyboard [][]inlineButton `json:"inline_keyboard"`
}

type sendMessageRequest struct {
	ChatID      string       `json:"chat_id"`
	Text        string       `json:"text"`
	ParseMode   string       `json:"parse_mode,omitempty"`
	ReplyMarkup *replyMarkup `json:"reply_markup,omitempty"`
}

type editMarkupRequest struct {
	ChatID      string      `json:"chat_id"`
	MessageID   int64       `json:"message_id"`
	ReplyMarkup replyMarkup `json:"reply_markup"`
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
	Result      struct {
		MessageID int64 `json:"message_id"`
	} `json:"result"`
}

// Text renders s as plain message text.
func Text(s model.Surface) string {
	var parts []string
	for _, p := range []string{s.Header, s.Body, s.Footer} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, "\n\n")
}

// keyboard lays actions out two per row.
func keyboard(actions []model.Action) [][]inlineButton {
	var rows [][]inlineButton
	for i := 0; i < len(actions); i += 2 {
		row := []inlineButton{{Text: actions[i].Label, CallbackData: actions[i].ID}}
		if i+1 < len(actions) {
			row = append(row, inlineButton{Text: actions[i+1].Label, CallbackData: actions[i+1].ID})
		}
		rows = append(rows, row)
	}
	return rows
}

func (t *Telegram) Present(ctx context.Context, userID string, s model.Surface) (model.SurfaceRef, error) {
	req := sendMessageRequest{ChatID: userID, Text: Text(s)}
	if len(s.Actions) > 0 {
		req.ReplyMarkup = &replyMarkup{InlineKeyboard: keyboard(s.Actions)}
	}
	resp, err := t.call(ctx, "sendMessage", req)
	if err != nil {
		return "", err
	}
	return model.SurfaceRef(userID + ":" + strconv.FormatInt(resp.Result.MessageID, 10)), nil
}

// Invalidate strips the inline keyboard from the referenced message.
func (t *Telegram) Invalidate(ctx context.Context, _ string, ref model.SurfaceRef) error {
	chatID, msg, ok := strings.Cut(string(ref), ":")
	if !ok {
		return fmt.Errorf("telegram: malformed ref %q", ref)
	}
	messageID, err := strconv.ParseInt(msg, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: malformed ref %q: %w", ref, err)
	}
	_, err = t.call(ctx, "editMessageReplyMarkup", editMarkupRequest{
		ChatID:      chatID,
		MessageID:   messageID,
		ReplyMarkup: replyMarkup{InlineKeyboard: [][]inlineButton{}},
	})
	return err
}

func (t *Telegram) call(ctx context.Context, method string, payload any) (*apiResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("telegram: marshal %s: %w", method, err)
	}
	url := fmt.Sprintf("%s/bot%s/%s", t.baseURL, t.token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("telegram: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("telegram: %s: %w", method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("telegram: %s: unexpected status %d: %s", method, resp.StatusCode, string(respBody))
	}
	var out apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("telegram: decode %s: %w", method, err)
	}
	if !out.OK {
		return nil, fmt.Errorf("telegram: %s: %s", method, out.Description)
	}
	return &out, nil
}

var _ view.Presenter = (*Telegram)(nil)
