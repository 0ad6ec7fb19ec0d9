package commands

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strconv"
	"strings"

	"hookgram/internal/delivery"
	"hookgram/internal/storage"
	"hookgram/internal/telegram"
	"hookgram/internal/tenant"
)

type command struct {
	run func(ctx context.Context, req *request) (string, error)
	// public commands are open to callers who neither own the bot nor are
	// admins.
	public bool
	admin  bool
}

func (s *Service) commandTable() map[string]command {
	return map[string]command{
		"start":        {run: s.start, public: true},
		"help":         {run: s.help, public: true},
		"whoami":       {run: s.whoami, public: true},
		"cancel":       {run: s.cancel, public: true},
		"connectbot":   {run: s.connectBot},
		"listbot":      {run: s.listBots},
		"adddest":      {run: s.addDest},
		"listdest":     {run: s.listDests},
		"usedest":      {run: s.useDest},
		"deldest":      {run: s.delDest},
		"testdest":     {run: s.testDest},
		"checkdest":    {run: s.checkDest},
		"subscribe":    {run: s.subscribe},
		"listsubs":     {run: s.listSubs},
		"unsubscribe":  {run: s.unsubscribe},
		"recent":       {run: s.recent},
		"webhookinfo":  {run: s.webhookInfo},
		"promote":      {run: s.promote, admin: true},
		"demote":       {run: s.demote, admin: true},
		"listusers":    {run: s.listUsers, admin: true},
		"listsubs_all": {run: s.listAllSubs, admin: true},
	}
}

const helpText = `/start
/help
/whoami
/connectbot <token>
/listbot
/adddest here|<chat_id>|<chat_id>:<topic_id> [name]
/listdest
/usedest <id>
/deldest <id>
/testdest
/checkdest <id>
/subscribe <owner/repo> [event1,event2,...]
/listsubs
/unsubscribe <id>
/recent [subscription_id]
/webhookinfo
/cancel
Admin:
/promote <telegram_user_id>
/demote <telegram_user_id>
/listusers
/listsubs_all`

func (s *Service) start(_ context.Context, req *request) (string, error) {
	return "Hi! You are <b>" + role(req.account) + "</b>.\n" + pre(helpText), nil
}

func (s *Service) help(context.Context, *request) (string, error) {
	return pre(helpText), nil
}

func (s *Service) whoami(_ context.Context, req *request) (string, error) {
	return fmt.Sprintf("You: <b>%s</b>\nTelegram id: %s", role(req.account), code(req.account.ExternalID)), nil
}

func (s *Service) cancel(ctx context.Context, req *request) (string, error) {
	existed, err := s.pending.Clear(ctx, req.account.ID, req.bot.BotID)
	if err != nil {
		return "", err
	}
	if !existed {
		return "Nothing to cancel.", nil
	}
	return "Cancelled.", nil
}

// awaitArgument stores the command as pending and returns the prompt.
func (s *Service) awaitArgument(ctx context.Context, req *request, prompt string) (string, error) {
	err := s.pending.Set(ctx, req.account.ID, req.bot.BotID, pendingInput{
		Command:  req.command,
		ChatID:   req.chatID,
		ThreadID: req.threadID,
	})
	if err != nil {
		return "", err
	}
	return prompt + "\nSend /cancel to abort.", nil
}

// BotWebhookURL is where Telegram should deliver updates for bot.
func BotWebhookURL(baseURL string, bot tenant.Bot) string {
	return strings.TrimRight(baseURL, "/") + "/tg/" + bot.BotID + "/" + bot.Token
}

func (s *Service) connectBot(ctx context.Context, req *request) (string, error) {
	if req.arg == "" {
		return s.awaitArgument(ctx, req, "Send the token of the bot to connect.")
	}
	bot, err := s.registry.ConnectBot(ctx, req.account.ID, req.arg)
	if err != nil {
		return "", err
	}
	s.names.Invalidate(bot.ID)
	s.registry.Audit(ctx, req.account.ID, "connect_bot", map[string]any{"bot_id": bot.BotID})

	hookURL := BotWebhookURL(s.baseURL, bot)
	lines := []string{"Bot connected ✅", "Telegram webhook URL:", pre(hookURL)}
	if s.setWebhook {
		if err := s.api.SetWebhook(ctx, bot.Token, hookURL); err != nil {
			s.logger.Warn().Err(err).Str("bot_id", bot.BotID).Msg("setWebhook failed")
			lines = append(lines, "Could not set the webhook automatically: "+esc(providerMessage(err)))
		} else {
			lines = append(lines, "Webhook set.")
		}
	} else {
		lines = append(lines, "Point the bot's webhook at this URL.")
	}
	return strings.Join(lines, "\n"), nil
}

func (s *Service) listBots(ctx context.Context, req *request) (string, error) {
	bots, err := s.registry.ListBots(ctx, req.account.ID)
	if err != nil {
		return "", err
	}
	if len(bots) == 0 {
		return "No bots yet. <code>/connectbot &lt;token&gt;</code>", nil
	}
	lines := []string{"Your bots:"}
	for _, b := range bots {
		line := "- id=" + code(b.BotID)
		if name := s.names.Lookup(ctx, b); name != "" {
			line += " @" + esc(name)
		}
		line += " created=" + code(b.CreatedAt.UTC().Format("2006-01-02"))
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n"), nil
}

func (s *Service) addDest(ctx context.Context, req *request) (string, error) {
	if req.arg == "" {
		return s.awaitArgument(ctx, req, "Send the destination: <code>here</code>, <code>&lt;chat_id&gt;</code> or <code>&lt;chat_id&gt;:&lt;topic_id&gt;</code>, optionally followed by a name.")
	}
	target, label := splitFirstWord(req.arg)
	parsed, err := tenant.ParseDestinationSpec(target)
	if err != nil {
		return "", err
	}
	chatID, topicID := parsed.ChatID, parsed.TopicID
	if parsed.Here {
		chatID = req.chatID
		if req.threadID > 0 {
			t := req.threadID
			topicID = &t
		}
	}
	dest, err := s.registry.AddDestination(ctx, req.account.ID, chatID, topicID, label)
	if err != nil {
		return "", err
	}
	s.registry.Audit(ctx, req.account.ID, "add_destination", map[string]any{"destination_id": dest.ID, "chat_id": dest.ChatID})
	return "Destination added. " + describeDestination(dest), nil
}

func (s *Service) listDests(ctx context.Context, req *request) (string, error) {
	dests, err := s.registry.ListDestinations(ctx, req.account.ID)
	if err != nil {
		return "", err
	}
	if len(dests) == 0 {
		return "No destinations yet. <code>/adddest here</code>", nil
	}
	lines := []string{"Destinations:"}
	for _, d := range dests {
		star := "  "
		if d.IsDefault {
			star = "⭐"
		}
		line := fmt.Sprintf("%s id=%s chat_id=%s topic_id=%s", star, code(d.ID), code(d.ChatID), code(topicLabel(d)))
		if d.Label != "" {
			line += " " + esc(d.Label)
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n"), nil
}

func (s *Service) useDest(ctx context.Context, req *request) (string, error) {
	id, ok := parseID(req.arg)
	if !ok {
		return "Usage: <code>/usedest &lt;id&gt;</code>", nil
	}
	dest, err := s.registry.UseDestination(ctx, req.account.ID, id)
	if errors.Is(err, tenant.ErrNotFound) {
		return "Destination not found.", nil
	}
	if err != nil {
		return "", err
	}
	s.registry.Audit(ctx, req.account.ID, "use_destination", map[string]any{"destination_id": dest.ID})
	return "Default destination is now id=" + code(dest.ID), nil
}

func (s *Service) delDest(ctx context.Context, req *request) (string, error) {
	id, ok := parseID(req.arg)
	if !ok {
		return "Usage: <code>/deldest &lt;id&gt;</code>", nil
	}
	err := s.registry.DeleteDestination(ctx, req.account.ID, id)
	if errors.Is(err, tenant.ErrNotFound) {
		return "Destination not found.", nil
	}
	if err != nil {
		return "", err
	}
	s.registry.Audit(ctx, req.account.ID, "delete_destination", map[string]any{"destination_id": id})
	return "Destination deleted.", nil
}

func (s *Service) testDest(ctx context.Context, req *request) (string, error) {
	dest, err := s.registry.DefaultDestination(ctx, req.account.ID)
	if errors.Is(err, tenant.ErrNotFound) {
		return "", tenant.ErrNoDefaultDestination
	}
	if err != nil {
		return "", err
	}
	to := delivery.Target{ChatID: dest.ChatID}
	if dest.TopicID != nil {
		to.ThreadID = *dest.TopicID
	}
	if err := s.pipeline.Deliver(ctx, req.bot.Token, to, "Test message to the default destination."); err != nil {
		return "", err
	}
	return "Sent.", nil
}

func (s *Service) checkDest(ctx context.Context, req *request) (string, error) {
	id, ok := parseID(req.arg)
	if !ok {
		return "Usage: <code>/checkdest &lt;id&gt;</code>", nil
	}
	dest, err := s.registry.GetDestination(ctx, req.account.ID, id)
	if errors.Is(err, tenant.ErrNotFound) {
		return "Destination not found.", nil
	}
	if err != nil {
		return "", err
	}
	botUserID, err := strconv.ParseInt(req.bot.BotID, 10, 64)
	if err != nil {
		return "", fmt.Errorf("bot id %q: %w", req.bot.BotID, err)
	}
	status, err := s.api.GetChatMember(ctx, req.bot.Token, dest.ChatID, botUserID)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Bot status in %s: %s", code(dest.ChatID), code(status)), nil
}

func (s *Service) subscribe(ctx context.Context, req *request) (string, error) {
	if req.arg == "" {
		return s.awaitArgument(ctx, req, "Send <code>owner/repo</code>, optionally followed by events, e.g. <code>octocat/Hello-World push,pull_request</code>.")
	}
	repo, events := splitFirstWord(req.arg)
	sub, err := s.registry.Subscribe(ctx, tenant.SubscribeRequest{
		AccountID: req.account.ID,
		Repo:      repo,
		Events:    strings.Join(strings.Fields(events), ","),
		ViaBotID:  req.bot.BotID,
	})
	if err != nil {
		return "", err
	}
	s.registry.Audit(ctx, req.account.ID, "subscribe", map[string]any{"subscription_id": sub.ID, "repo": sub.Repo})

	payloadURL := s.baseURL + "/wh/" + sub.RouteToken
	return strings.Join([]string{
		"Subscription created ✅",
		"id=" + code(sub.ID),
		"repo=" + code(sub.Repo),
		"events=" + code(sub.Events),
		"",
		"GitHub webhook settings:",
		"- Payload URL: " + code(payloadURL),
		"- Content type: " + code("application/json"),
		"- Secret: " + code(sub.Secret),
		"- Events: match the list above",
	}, "\n"), nil
}

func (s *Service) listSubs(ctx context.Context, req *request) (string, error) {
	subs, err := s.registry.ListSubscriptions(ctx, req.account.ID)
	if err != nil {
		return "", err
	}
	if len(subs) == 0 {
		return "No subscriptions yet.", nil
	}
	lines := []string{"Subscriptions:"}
	for _, sub := range subs {
		lines = append(lines, describeSubscription(sub))
	}
	return strings.Join(lines, "\n"), nil
}

func (s *Service) unsubscribe(ctx context.Context, req *request) (string, error) {
	id, ok := parseID(req.arg)
	if !ok {
		return "Usage: <code>/unsubscribe &lt;id&gt;</code>", nil
	}
	err := s.registry.Unsubscribe(ctx, req.account.ID, id, req.account.IsAdmin)
	if errors.Is(err, tenant.ErrNotFound) {
		return "Subscription not found.", nil
	}
	if err != nil {
		return "", err
	}
	s.registry.Audit(ctx, req.account.ID, "unsubscribe", map[string]any{"subscription_id": id})
	return "Subscription deleted.", nil
}

const recentLimit = 10

// recent shows the newest delivery log entries of the caller's
// subscriptions, or of one of them. Admins see every subscription.
func (s *Service) recent(ctx context.Context, req *request) (string, error) {
	var subID int64
	if req.arg != "" {
		id, ok := parseID(req.arg)
		if !ok {
			return "Usage: <code>/recent [subscription_id]</code>", nil
		}
		subID = id
	}
	entries, err := s.registry.RecentDeliveries(ctx, req.account.ID, subID, req.account.IsAdmin, recentLimit)
	if errors.Is(err, tenant.ErrNotFound) {
		return "Subscription not found.", nil
	}
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "No deliveries yet.", nil
	}
	lines := []string{"Recent deliveries:"}
	for _, e := range entries {
		lines = append(lines, describeDelivery(e))
	}
	return strings.Join(lines, "\n"), nil
}

func (s *Service) webhookInfo(ctx context.Context, req *request) (string, error) {
	info, err := s.api.GetWebhookInfo(ctx, req.bot.Token)
	if err != nil {
		return "", err
	}
	hookURL := info.Url
	if i := strings.LastIndex(hookURL, "/"); i >= 0 && strings.Contains(hookURL, "/tg/") {
		hookURL = hookURL[:i] + "/…"
	}
	lines := []string{
		"Webhook URL: " + code(orDash(hookURL)),
		"Pending updates: " + code(info.PendingUpdateCount),
	}
	if info.LastErrorMessage != "" {
		lines = append(lines, "Last error: "+esc(info.LastErrorMessage))
	}
	return strings.Join(lines, "\n"), nil
}

func (s *Service) promote(ctx context.Context, req *request) (string, error) {
	return s.setAdmin(ctx, req, true)
}

func (s *Service) demote(ctx context.Context, req *request) (string, error) {
	return s.setAdmin(ctx, req, false)
}

func (s *Service) setAdmin(ctx context.Context, req *request, admin bool) (string, error) {
	target := strings.TrimSpace(req.arg)
	if _, err := strconv.ParseInt(target, 10, 64); err != nil {
		return fmt.Sprintf("Usage: <code>/%s &lt;telegram_user_id&gt;</code>", req.command), nil
	}
	acc, err := s.registry.SetAdmin(ctx, target, admin)
	if errors.Is(err, tenant.ErrNotFound) {
		return "User not found.", nil
	}
	if err != nil {
		return "", err
	}
	s.registry.Audit(ctx, req.account.ID, req.command, map[string]any{"target": acc.ExternalID})
	if admin {
		return code(acc.ExternalID) + " is now an admin.", nil
	}
	out := code(acc.ExternalID) + " is no longer an admin."
	if s.registry.IsConfiguredAdmin(acc.ExternalID) {
		out += " They are in ADMIN_USER_IDS and will be promoted again on their next message."
	}
	return out, nil
}

func (s *Service) listUsers(ctx context.Context, _ *request) (string, error) {
	accounts, err := s.registry.ListAccounts(ctx)
	if err != nil {
		return "", err
	}
	lines := []string{"Users:"}
	for _, a := range accounts {
		line := fmt.Sprintf("- %s %s", code(a.ExternalID), role(a))
		if a.DisplayName != "" {
			line += " " + esc(a.DisplayName)
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n"), nil
}

func (s *Service) listAllSubs(ctx context.Context, _ *request) (string, error) {
	subs, err := s.registry.ListAllSubscriptions(ctx)
	if err != nil {
		return "", err
	}
	if len(subs) == 0 {
		return "No subscriptions.", nil
	}
	lines := []string{"All subscriptions:"}
	for _, sub := range subs {
		lines = append(lines, describeSubscription(sub.Subscription)+" owner="+code(sub.OwnerExternalID))
	}
	return strings.Join(lines, "\n"), nil
}

// errorReply turns a command error into the text shown to the caller.
func errorReply(err error) string {
	var verr *tenant.ValidationError
	var apiErr *telegram.APIError
	switch {
	case errors.As(err, &verr):
		return "Invalid " + esc(verr.Field) + ": " + esc(verr.Reason) + "."
	case errors.Is(err, tenant.ErrNoBot):
		return "No bot connected yet. Run <code>/connectbot &lt;token&gt;</code> first."
	case errors.Is(err, tenant.ErrNoDefaultDestination):
		return "No default destination. Use <code>/adddest ...</code> then <code>/usedest &lt;id&gt;</code>."
	case errors.Is(err, tenant.ErrDestinationInUse):
		return "That destination is used by a subscription. Unsubscribe it first."
	case errors.Is(err, tenant.ErrNotFound):
		return "Not found."
	case errors.Is(err, ErrUnauthorized):
		return "Admins only."
	case errors.As(err, &apiErr):
		return "Telegram answered: " + esc(providerMessage(apiErr))
	default:
		return "Something went wrong. Please try again."
	}
}

// isUnexpected reports whether err is worth an error log rather than being
// an ordinary user mistake.
func isUnexpected(err error) bool {
	var verr *tenant.ValidationError
	var apiErr *telegram.APIError
	return !errors.As(err, &verr) &&
		!errors.As(err, &apiErr) &&
		!errors.Is(err, tenant.ErrNoBot) &&
		!errors.Is(err, tenant.ErrNoDefaultDestination) &&
		!errors.Is(err, tenant.ErrDestinationInUse) &&
		!errors.Is(err, tenant.ErrNotFound) &&
		!errors.Is(err, ErrUnauthorized)
}

func providerMessage(err error) string {
	var apiErr *telegram.APIError
	if errors.As(err, &apiErr) && apiErr.Description != "" {
		return apiErr.Description
	}
	return err.Error()
}

func describeDestination(d storage.Destination) string {
	return fmt.Sprintf("id=%s chat_id=%s topic_id=%s default=%s",
		code(d.ID), code(d.ChatID), code(topicLabel(d)), code(d.IsDefault))
}

func describeSubscription(sub storage.Subscription) string {
	return fmt.Sprintf("id=%s repo=%s events=%s hook=%s",
		code(sub.ID), code(sub.Repo), esc(sub.Events), code("/wh/"+sub.RouteToken))
}

func describeDelivery(e storage.DeliveryLogEntry) string {
	line := code(e.CreatedAt.UTC().Format("2006-01-02 15:04:05")) + " " + esc(e.Status)
	if e.SubscriptionID != nil {
		line += " sub=" + code(*e.SubscriptionID)
	}
	if e.EventType != "" {
		line += " event=" + code(e.EventType)
	}
	if e.Repo != "" {
		line += " repo=" + code(e.Repo)
	}
	if e.Error != nil {
		line += " error=" + esc(*e.Error)
	}
	return line
}

func topicLabel(d storage.Destination) string {
	if d.TopicID == nil {
		return "-"
	}
	return strconv.FormatInt(*d.TopicID, 10)
}

func role(a storage.Account) string {
	if a.IsAdmin {
		return "admin"
	}
	return "user"
}

func parseID(raw string) (int64, bool) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	return id, err == nil && id > 0
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func esc(v string) string {
	return html.EscapeString(v)
}

func code(v any) string {
	return "<code>" + esc(fmt.Sprint(v)) + "</code>"
}

func pre(v string) string {
	return "<pre>" + esc(v) + "</pre>"
}
