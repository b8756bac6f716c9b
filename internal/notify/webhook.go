package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	FormatJSON    = "json"
	FormatDiscord = "discord"
)

// Webhook POSTs events to a URL either as the raw Event JSON or as a Discord embed.
type Webhook struct {
	URL    string
	Format string
	Client *http.Client
}

func NewWebhook(url, format string) *Webhook {
	if format == "" {
		format = FormatJSON
	}
	return &Webhook{URL: url, Format: format, Client: &http.Client{Timeout: 15 * time.Second}}
}

func (w *Webhook) Notify(ctx context.Context, ev Event) error {
	var payload any = ev
	if w.Format == FormatDiscord {
		payload = discordPayload(ev)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode webhook payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.Client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("post webhook: status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	return nil
}

type discordEmbed struct {
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Color       int            `json:"color"`
	URL         string         `json:"url,omitempty"`
	Fields      []discordField `json:"fields,omitempty"`
	Timestamp   string         `json:"timestamp"`
}

type discordField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

func discordPayload(ev Event) map[string]any {
	embed := discordEmbed{
		Title:       ev.Title,
		Description: ev.Message,
		Color:       levelColor(ev),
		URL:         ev.URL,
		Timestamp:   ev.At.UTC().Format(time.RFC3339),
	}
	for _, f := range ev.Fields {
		embed.Fields = append(embed.Fields, discordField{Name: f.Name, Value: f.Value, Inline: true})
	}
	return map[string]any{"embeds": []discordEmbed{embed}}
}

func levelColor(ev Event) int {
	switch {
	case ev.Kind == KindUploadSuccess:
		return 0x00ff00
	case ev.Level == LevelError:
		return 0xff0000
	case ev.Level == LevelWarning:
		return 0xffaa00
	}
	return 0x0099ff
}
