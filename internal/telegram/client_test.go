package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"testing"

	"hookgram/internal/telegram/telegramtest"
)

func TestParseBotID(t *testing.T) {
	cases := []struct {
		token string
		id    string
		ok    bool
	}{
		{"123456:ABC-def", "123456", true},
		{"42:", "42", true},
		{"no-colon", "", false},
		{":secret", "", false},
		{"12a:secret", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		id, ok := ParseBotID(tc.token)
		if id != tc.id || ok != tc.ok {
			t.Fatalf("ParseBotID(%q) = %q,%v want %q,%v", tc.token, id, ok, tc.id, tc.ok)
		}
	}
}

func TestSendMessageParams(t *testing.T) {
	srv := telegramtest.NewServer(t)
	c := NewClient(Config{APIURL: srv.URL})

	id, err := c.SendMessage(context.Background(), "1:tok", OutgoingMessage{ChatID: "-100", ThreadID: 9, Text: "<b>hi</b>"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if id != 1 {
		t.Fatalf("expected message id 1, got %d", id)
	}

	calls := srv.CallsTo("sendMessage")
	if len(calls) != 1 {
		t.Fatalf("expected one call, got %d", len(calls))
	}
	call := calls[0]
	if call.Token != "1:tok" || call.ChatID() != "-100" || call.ThreadID() != 9 {
		t.Fatalf("unexpected call: %+v", call)
	}
	if call.Params["parse_mode"] != ParseModeHTML {
		t.Fatalf("expected HTML parse mode, got %v", call.Params["parse_mode"])
	}
	var preview struct {
		IsDisabled bool `json:"is_disabled"`
	}
	if err := json.Unmarshal([]byte(call.Params["link_preview_options"]), &preview); err != nil || !preview.IsDisabled {
		t.Fatalf("expected link previews disabled, got %v", call.Params["link_preview_options"])
	}
}

func TestSendMessageOmitsThreadWhenUnset(t *testing.T) {
	srv := telegramtest.NewServer(t)
	c := NewClient(Config{APIURL: srv.URL})

	if _, err := c.SendMessage(context.Background(), "1:tok", OutgoingMessage{ChatID: "@chan", Text: "x"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	call := srv.CallsTo("sendMessage")[0]
	if _, ok := call.Params["message_thread_id"]; ok {
		t.Fatalf("message_thread_id should be omitted")
	}
	if call.ChatID() != "@chan" {
		t.Fatalf("channel username should pass through, got %q", call.ChatID())
	}
}

func TestAPIErrorCarriesStatus(t *testing.T) {
	srv := telegramtest.NewServer(t)
	srv.Fail("sendMessage", http.StatusForbidden, "Forbidden: bot was kicked")
	c := NewClient(Config{APIURL: srv.URL})

	_, err := c.SendMessage(context.Background(), "1:tok", OutgoingMessage{ChatID: "1", Text: "x"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusForbidden || apiErr.Description != "Forbidden: bot was kicked" {
		t.Fatalf("unexpected api error: %+v", apiErr)
	}
}

func TestRejectedTokenIsAPIError(t *testing.T) {
	srv := telegramtest.NewServer(t)
	srv.RejectToken("9:forged")
	c := NewClient(Config{APIURL: srv.URL})

	_, err := c.GetMe(context.Background(), "9:forged")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 APIError, got %v", err)
	}
	if strings.Contains(err.Error(), "forged") {
		t.Fatalf("token leaked in error: %v", err)
	}
}

func TestTransportErrorHidesToken(t *testing.T) {
	c := NewClient(Config{APIURL: "http://127.0.0.1:1"})
	_, err := c.GetMe(context.Background(), "777:very-secret")
	if err == nil {
		t.Fatalf("expected transport error")
	}
	if strings.Contains(err.Error(), "very-secret") {
		t.Fatalf("token leaked in error: %v", err)
	}
}

func TestWebhookRoundTrip(t *testing.T) {
	srv := telegramtest.NewServer(t)
	c := NewClient(Config{APIURL: srv.URL})
	ctx := context.Background()

	if err := c.SetWebhook(ctx, "5:abc", "https://relay.example.com/tg/5/5:abc"); err != nil {
		t.Fatalf("set webhook: %v", err)
	}
	info, err := c.GetWebhookInfo(ctx, "5:abc")
	if err != nil {
		t.Fatalf("webhook info: %v", err)
	}
	if info.Url != "https://relay.example.com/tg/5/5:abc" {
		t.Fatalf("unexpected webhook url %q", info.Url)
	}

	me, err := c.GetMe(ctx, "5:abc")
	if err != nil || me.Username != "bot5" || me.Id != 5 {
		t.Fatalf("unexpected getMe: %+v (err=%v)", me, err)
	}

	status, err := c.GetChatMember(ctx, "5:abc", "@chan", 5)
	if err != nil || status != "administrator" {
		t.Fatalf("unexpected member status %q (err=%v)", status, err)
	}
}
