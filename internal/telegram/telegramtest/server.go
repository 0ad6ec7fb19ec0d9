// Package telegramtest provides an in-process fake of the Bot API. Request
// parameters arrive the way gotgbot sends them: a JSON object of strings.
package telegramtest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
)

type Call struct {
	Token  string
	Method string
	Params map[string]string
}

// Text returns the "text" parameter of a sendMessage call.
func (c Call) Text() string {
	return c.Params["text"]
}

func (c Call) ChatID() string {
	return c.Params["chat_id"]
}

// ThreadID returns message_thread_id, or 0 when absent.
func (c Call) ThreadID() int64 {
	n, _ := strconv.ParseInt(c.Params["message_thread_id"], 10, 64)
	return n
}

type failure struct {
	from        int
	status      int
	description string
}

type Server struct {
	*httptest.Server

	mu           sync.Mutex
	calls        []Call
	counts       map[string]int
	failures     map[string]failure
	webhooks     map[string]string
	rejected     map[string]bool
	memberStatus string
}

func NewServer(t *testing.T) *Server {
	t.Helper()
	s := &Server{
		counts:       map[string]int{},
		failures:     map[string]failure{},
		webhooks:     map[string]string{},
		rejected:     map[string]bool{},
		memberStatus: "administrator",
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.Close)
	return s
}

// Fail makes every call to method answer with status.
func (s *Server) Fail(method string, status int, description string) {
	s.FailFrom(method, 1, status, description)
}

// FailFrom lets the first nth-1 calls to method succeed and fails the rest.
func (s *Server) FailFrom(method string, nth, status int, description string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[method] = failure{from: nth, status: status, description: description}
}

// RejectToken makes every call made with token fail the way Telegram
// answers a token it does not know.
func (s *Server) RejectToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejected[token] = true
}

func (s *Server) SetMemberStatus(status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.memberStatus = status
}

func (s *Server) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, len(s.calls))
	copy(out, s.calls)
	return out
}

func (s *Server) CallsTo(method string) []Call {
	out := make([]Call, 0)
	for _, c := range s.Calls() {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	rest, ok := strings.CutPrefix(r.URL.Path, "/bot")
	if !ok {
		http.NotFound(w, r)
		return
	}
	slash := strings.LastIndex(rest, "/")
	if slash < 0 {
		http.NotFound(w, r)
		return
	}
	token, method := rest[:slash], rest[slash+1:]

	params := map[string]string{}
	_ = json.NewDecoder(r.Body).Decode(&params)

	s.mu.Lock()
	s.calls = append(s.calls, Call{Token: token, Method: method, Params: params})
	s.counts[method]++
	n := s.counts[method]
	f, failing := s.failures[method]
	status := s.memberStatus
	rejected := s.rejected[token]
	if method == "setWebhook" && !rejected {
		s.webhooks[token] = params["url"]
	}
	hook := s.webhooks[token]
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if rejected {
		f = failure{from: 1, status: http.StatusUnauthorized, description: "Unauthorized"}
		failing = true
	}
	if failing && (rejected || n >= f.from) {
		w.WriteHeader(f.status)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ok":          false,
			"error_code":  f.status,
			"description": f.description,
		})
		return
	}

	var result any = true
	switch method {
	case "sendMessage":
		result = map[string]any{"message_id": n, "date": 0, "chat": map[string]any{"id": 1, "type": "private"}}
	case "getChatMember":
		userID, _ := strconv.ParseInt(params["user_id"], 10, 64)
		result = map[string]any{"status": status, "user": map[string]any{"id": userID, "is_bot": true, "first_name": "bot"}}
	case "getMe":
		botID, _, _ := strings.Cut(token, ":")
		id, _ := strconv.ParseInt(botID, 10, 64)
		result = map[string]any{"id": id, "is_bot": true, "first_name": "Bot", "username": "bot" + botID}
	case "getWebhookInfo":
		result = map[string]any{"url": hook, "has_custom_certificate": false, "pending_update_count": 0}
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "result": result})
}
