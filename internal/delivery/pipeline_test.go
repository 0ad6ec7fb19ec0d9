package delivery

import (
	"context"
	"net/http"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"hookgram/internal/telegram"
	"hookgram/internal/telegram/telegramtest"
)

func newPipeline(t *testing.T, srv *telegramtest.Server) *Pipeline {
	t.Helper()
	return NewPipeline(Config{
		Sender: telegram.NewClient(telegram.Config{APIURL: srv.URL}),
		Limit:  100,
		Logger: zerolog.Nop(),
	})
}

func TestDeliverSendsChunksInOrder(t *testing.T) {
	srv := telegramtest.NewServer(t)
	p := newPipeline(t, srv)

	text := strings.Repeat("a", 100) + strings.Repeat("b", 100) + "c"
	if err := p.Deliver(context.Background(), "1:tok", Target{ChatID: "-5", ThreadID: 3}, text); err != nil {
		t.Fatalf("deliver: %v", err)
	}

	calls := srv.CallsTo("sendMessage")
	if len(calls) != 3 {
		t.Fatalf("expected 3 sends, got %d", len(calls))
	}
	var joined strings.Builder
	for _, c := range calls {
		if c.ChatID() != "-5" || c.ThreadID() != 3 {
			t.Fatalf("chunk sent to wrong target: %+v", c.Params)
		}
		joined.WriteString(c.Text())
	}
	if joined.String() != text {
		t.Fatalf("chunks out of order")
	}
}

func TestDeliverNormalizesLineEndings(t *testing.T) {
	srv := telegramtest.NewServer(t)
	p := newPipeline(t, srv)

	if err := p.Deliver(context.Background(), "1:tok", Target{ChatID: "1"}, "a\r\nb\rc"); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if got := srv.CallsTo("sendMessage")[0].Text(); got != "a\nb\nc" {
		t.Fatalf("unexpected text %q", got)
	}
}

func TestDeliverStopsAtFirstFailure(t *testing.T) {
	srv := telegramtest.NewServer(t)
	srv.FailFrom("sendMessage", 2, http.StatusTooManyRequests, "Too Many Requests")
	p := newPipeline(t, srv)

	err := p.Deliver(context.Background(), "1:tok", Target{ChatID: "1"}, strings.Repeat("x", 350))
	if err == nil {
		t.Fatalf("expected error")
	}
	if n := len(srv.CallsTo("sendMessage")); n != 2 {
		t.Fatalf("expected delivery to stop after the failing chunk, got %d calls", n)
	}
}
