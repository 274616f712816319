package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const parseModeHTML = "HTML"

// Client 通过 Telegram Bot API 收发消息。
type Client struct {
	botToken   string
	baseURL    string
	client     *http.Client
	pollClient *http.Client
	logger     zerolog.Logger
}

// NewClient 构造 Bot API 客户端。
func NewClient(botToken, baseURL string, timeout, pollTimeout time.Duration, logger zerolog.Logger) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if pollTimeout <= 0 {
		pollTimeout = 30 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &Client{
		botToken: botToken,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		// long polling holds the connection open for poll_timeout
		pollClient: &http.Client{Timeout: pollTimeout + 10*time.Second},
		logger:     logger.With().Str("component", "telegram").Logger(),
	}
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	Description string          `json:"description"`
}

func (c *Client) call(ctx context.Context, client *http.Client, method string, payload any) (json.RawMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", method, err)
	}

	url := fmt.Sprintf("%s/bot%s/%s", c.baseURL, c.botToken, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send %s request: %w", method, err)
	}
	defer resp.Body.Close()

	return decodeResponse(method, resp)
}

func decodeResponse(method string, resp *http.Response) (json.RawMessage, error) {
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", method, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("telegram %s 响应码异常: %d", method, resp.StatusCode)
	}

	var apiResp apiResponse
	if err := json.Unmarshal(raw, &apiResp); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", method, err)
	}
	if !apiResp.OK {
		if apiResp.Description != "" {
			return nil, fmt.Errorf("telegram %s: %s", method, apiResp.Description)
		}
		return nil, fmt.Errorf("telegram %s 返回 ok=false", method)
	}
	return apiResp.Result, nil
}

// SendMessage delivers an HTML-formatted text message.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string) error {
	return c.sendMessage(ctx, chatID, text, nil)
}

// SendMessageWithKeyboard delivers a text message with an inline keyboard.
func (c *Client) SendMessageWithKeyboard(ctx context.Context, chatID int64, text string, keyboard InlineKeyboardMarkup) error {
	return c.sendMessage(ctx, chatID, text, &keyboard)
}

func (c *Client) sendMessage(ctx context.Context, chatID int64, text string, keyboard *InlineKeyboardMarkup) error {
	payload := map[string]any{
		"chat_id":    chatID,
		"text":       text,
		"parse_mode": parseModeHTML,
	}
	if keyboard != nil {
		payload["reply_markup"] = keyboard
	}
	_, err := c.call(ctx, c.client, "sendMessage", payload)
	return err
}

// SendPhoto re-sends an already-uploaded photo by its file id.
func (c *Client) SendPhoto(ctx context.Context, chatID int64, fileID, caption string) error {
	return c.sendPhoto(ctx, chatID, fileID, caption, nil)
}

// SendPhotoWithKeyboard re-sends a photo with an inline keyboard attached.
func (c *Client) SendPhotoWithKeyboard(ctx context.Context, chatID int64, fileID, caption string, keyboard InlineKeyboardMarkup) error {
	return c.sendPhoto(ctx, chatID, fileID, caption, &keyboard)
}

func (c *Client) sendPhoto(ctx context.Context, chatID int64, fileID, caption string, keyboard *InlineKeyboardMarkup) error {
	payload := map[string]any{
		"chat_id":    chatID,
		"photo":      fileID,
		"caption":    caption,
		"parse_mode": parseModeHTML,
	}
	if keyboard != nil {
		payload["reply_markup"] = keyboard
	}
	_, err := c.call(ctx, c.client, "sendPhoto", payload)
	return err
}

// SendDocument uploads a file as a document message.
func (c *Client) SendDocument(ctx context.Context, chatID int64, filename string, content io.Reader, caption string) error {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	if err := writer.WriteField("chat_id", fmt.Sprint(chatID)); err != nil {
		return err
	}
	if caption != "" {
		if err := writer.WriteField("caption", caption); err != nil {
			return err
		}
	}
	part, err := writer.CreateFormFile("document", filename)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, content); err != nil {
		return fmt.Errorf("copy document %s: %w", filename, err)
	}
	if err := writer.Close(); err != nil {
		return err
	}

	url := fmt.Sprintf("%s/bot%s/sendDocument", c.baseURL, c.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return fmt.Errorf("create sendDocument request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("send sendDocument request: %w", err)
	}
	defer resp.Body.Close()

	_, err = decodeResponse("sendDocument", resp)
	return err
}

// GetUpdates long-polls for new updates after the given offset.
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]Update, error) {
	payload := map[string]any{
		"offset":  offset,
		"timeout": int(timeout.Seconds()),
	}
	result, err := c.call(ctx, c.pollClient, "getUpdates", payload)
	if err != nil {
		return nil, err
	}

	var updates []Update
	if err := json.Unmarshal(result, &updates); err != nil {
		return nil, fmt.Errorf("decode updates: %w", err)
	}
	return updates, nil
}

// AnswerCallbackQuery acknowledges a keyboard button press.
func (c *Client) AnswerCallbackQuery(ctx context.Context, callbackID, text string, showAlert bool) error {
	payload := map[string]any{
		"callback_query_id": callbackID,
	}
	if text != "" {
		payload["text"] = text
	}
	if showAlert {
		payload["show_alert"] = true
	}
	_, err := c.call(ctx, c.client, "answerCallbackQuery", payload)
	return err
}

// EditMessageReplyMarkup swaps the inline keyboard of an existing message.
func (c *Client) EditMessageReplyMarkup(ctx context.Context, chatID, messageID int64, keyboard InlineKeyboardMarkup) error {
	payload := map[string]any{
		"chat_id":      chatID,
		"message_id":   messageID,
		"reply_markup": keyboard,
	}
	_, err := c.call(ctx, c.client, "editMessageReplyMarkup", payload)
	return err
}
