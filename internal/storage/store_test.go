package storage

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "test.db") + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	s, err := Open(context.Background(), "sqlite", dsn, true)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestUpsertAccountKeepsAdmin(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	a, err := s.UpsertAccount(ctx, "100", "alice", true)
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if !a.IsAdmin || a.DisplayName != "alice" {
		t.Fatalf("unexpected account: %+v", a)
	}

	b, err := s.UpsertAccount(ctx, "100", "", false)
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if b.ID != a.ID || !b.IsAdmin || b.DisplayName != "alice" {
		t.Fatalf("expected same admin account with kept name, got %+v", b)
	}

	if _, err := s.SetAccountAdmin(ctx, "100", false); err != nil {
		t.Fatalf("demote: %v", err)
	}
	c, _ := s.GetAccountByExternalID(ctx, "100")
	if c.IsAdmin {
		t.Fatalf("expected demoted account")
	}
	if _, err := s.SetAccountAdmin(ctx, "999", true); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown account, got %v", err)
	}
}

func TestUpsertBotReclaims(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	a1, _ := s.UpsertAccount(ctx, "1", "", false)
	a2, _ := s.UpsertAccount(ctx, "2", "", false)

	b1, err := s.UpsertBot(ctx, a1.ID, "555", "sealed-1")
	if err != nil {
		t.Fatalf("upsert bot: %v", err)
	}
	b2, err := s.UpsertBot(ctx, a2.ID, "555", "sealed-2")
	if err != nil {
		t.Fatalf("reclaim bot: %v", err)
	}
	if b2.ID != b1.ID || b2.AccountID != a2.ID || b2.EncToken != "sealed-2" {
		t.Fatalf("expected reclaimed bot, got %+v", b2)
	}
	bots, err := s.ListBots(ctx, a1.ID)
	if err != nil || len(bots) != 0 {
		t.Fatalf("previous owner should have no bots, got %v (err=%v)", bots, err)
	}
}

func TestDestinationDefaults(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	a, _ := s.UpsertAccount(ctx, "1", "", false)

	topic := int64(7)
	d1, err := s.AddDestination(ctx, Destination{AccountID: a.ID, ChatID: "-100", Label: "team"})
	if err != nil {
		t.Fatalf("add first: %v", err)
	}
	d2, err := s.AddDestination(ctx, Destination{AccountID: a.ID, ChatID: "-200", TopicID: &topic, IsDefault: true})
	if err != nil {
		t.Fatalf("add second: %v", err)
	}
	if !d1.IsDefault || d2.IsDefault {
		t.Fatalf("only the first destination should be default: %+v %+v", d1, d2)
	}
	if d2.TopicID == nil || *d2.TopicID != 7 {
		t.Fatalf("expected topic 7, got %v", d2.TopicID)
	}

	if _, err := s.SetDefaultDestination(ctx, a.ID, d2.ID); err != nil {
		t.Fatalf("use second: %v", err)
	}
	def, err := s.DefaultDestination(ctx, a.ID)
	if err != nil || def.ID != d2.ID {
		t.Fatalf("expected default %d, got %+v (err=%v)", d2.ID, def, err)
	}

	other, _ := s.UpsertAccount(ctx, "2", "", false)
	if _, err := s.SetDefaultDestination(ctx, other.ID, d1.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for foreign destination, got %v", err)
	}
}

func TestConcurrentSetDefaultLeavesOneDefault(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	a, _ := s.UpsertAccount(ctx, "1", "", false)

	ids := make([]int64, 0, 4)
	for _, chat := range []string{"-1", "-2", "-3", "-4"} {
		d, err := s.AddDestination(ctx, Destination{AccountID: a.ID, ChatID: chat})
		if err != nil {
			t.Fatalf("add: %v", err)
		}
		ids = append(ids, d.ID)
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			if _, err := s.SetDefaultDestination(ctx, a.ID, id); err != nil {
				t.Errorf("set default: %v", err)
			}
		}(ids[i%len(ids)])
	}
	wg.Wait()

	dests, err := s.ListDestinations(ctx, a.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	defaults := 0
	for _, d := range dests {
		if d.IsDefault {
			defaults++
		}
	}
	if defaults != 1 {
		t.Fatalf("expected exactly one default, got %d", defaults)
	}
}

func TestDeleteDestinationGuard(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	a, _ := s.UpsertAccount(ctx, "1", "", false)
	bot, _ := s.UpsertBot(ctx, a.ID, "555", "sealed")
	d, _ := s.AddDestination(ctx, Destination{AccountID: a.ID, ChatID: "-100"})

	sub, err := s.CreateSubscription(ctx, Subscription{
		AccountID:       a.ID,
		RouteToken:      "tok",
		EncSecret:       "sealed-secret",
		Repo:            "octo/hello",
		BotCredentialID: bot.ID,
		DestinationID:   d.ID,
	})
	if err != nil {
		t.Fatalf("create subscription: %v", err)
	}
	if sub.Events != "*" {
		t.Fatalf("expected wildcard events, got %q", sub.Events)
	}

	if err := s.DeleteDestination(ctx, a.ID, d.ID); !errors.Is(err, ErrInUse) {
		t.Fatalf("expected ErrInUse, got %v", err)
	}
	if err := s.DeleteSubscription(ctx, a.ID, sub.ID); err != nil {
		t.Fatalf("delete subscription: %v", err)
	}
	if err := s.DeleteDestination(ctx, a.ID, d.ID); err != nil {
		t.Fatalf("delete destination: %v", err)
	}
	if _, err := s.DefaultDestination(ctx, a.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected no default after deleting it, got %v", err)
	}
}

func TestSubscriptionsByTokenAndOwner(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	a, _ := s.UpsertAccount(ctx, "1", "", false)
	b, _ := s.UpsertAccount(ctx, "2", "", false)

	sub, err := s.CreateSubscription(ctx, Subscription{AccountID: a.ID, RouteToken: "abc", EncSecret: "x", Repo: "o/r", Events: "push", BotCredentialID: 1, DestinationID: 1})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	got, err := s.GetSubscriptionByToken(ctx, "abc")
	if err != nil || got.ID != sub.ID || got.Events != "push" {
		t.Fatalf("lookup by token: %+v (err=%v)", got, err)
	}
	if _, err := s.GetSubscriptionByToken(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := s.DeleteSubscription(ctx, b.ID, sub.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("foreign owner must not delete, got %v", err)
	}

	all, err := s.ListAllSubscriptions(ctx)
	if err != nil || len(all) != 1 || all[0].OwnerExternalID != "1" {
		t.Fatalf("unexpected all subscriptions: %+v (err=%v)", all, err)
	}
}

func TestDeliveryLogPrune(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	old := time.Now().Add(-48 * time.Hour)
	if err := s.AppendDeliveryLog(ctx, DeliveryLogEntry{RouteToken: "a", Status: StatusDelivered, CreatedAt: old}); err != nil {
		t.Fatalf("append old: %v", err)
	}
	msg := "boom"
	if err := s.AppendDeliveryLog(ctx, DeliveryLogEntry{RouteToken: "b", Status: StatusError, Error: &msg}); err != nil {
		t.Fatalf("append new: %v", err)
	}

	n, err := s.PruneDeliveryLog(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 pruned entry, got %d", n)
	}

	left, err := s.RecentDeliveries(ctx, DeliveryFilter{Limit: 10})
	if err != nil || len(left) != 1 {
		t.Fatalf("expected one remaining entry, got %v (err=%v)", left, err)
	}
	if left[0].Error == nil || *left[0].Error != "boom" || left[0].SubscriptionID != nil {
		t.Fatalf("unexpected entry: %+v", left[0])
	}
}

func TestRecentDeliveriesFilters(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	a, _ := s.UpsertAccount(ctx, "1", "", false)
	b, _ := s.UpsertAccount(ctx, "2", "", false)

	mine, err := s.CreateSubscription(ctx, Subscription{AccountID: a.ID, RouteToken: "mine", EncSecret: "x", Repo: "o/a", BotCredentialID: 1, DestinationID: 1})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	theirs, err := s.CreateSubscription(ctx, Subscription{AccountID: b.ID, RouteToken: "theirs", EncSecret: "x", Repo: "o/b", BotCredentialID: 1, DestinationID: 1})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for _, e := range []DeliveryLogEntry{
		{SubscriptionID: &mine.ID, RouteToken: "mine", EventType: "push", Status: StatusDelivered},
		{SubscriptionID: &theirs.ID, RouteToken: "theirs", EventType: "issues", Status: StatusDelivered},
		{RouteToken: "nobody", Status: StatusError},
		{SubscriptionID: &mine.ID, RouteToken: "mine", EventType: "ping", Status: StatusIgnored},
	} {
		if err := s.AppendDeliveryLog(ctx, e); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	all, err := s.RecentDeliveries(ctx, DeliveryFilter{})
	if err != nil || len(all) != 4 || all[0].EventType != "ping" {
		t.Fatalf("unexpected unfiltered entries: %+v (err=%v)", all, err)
	}
	own, err := s.RecentDeliveries(ctx, DeliveryFilter{AccountID: a.ID})
	if err != nil || len(own) != 2 {
		t.Fatalf("expected two entries of account a, got %+v (err=%v)", own, err)
	}
	for _, e := range own {
		if e.SubscriptionID == nil || *e.SubscriptionID != mine.ID {
			t.Fatalf("foreign entry leaked: %+v", e)
		}
	}
	one, err := s.RecentDeliveries(ctx, DeliveryFilter{SubscriptionID: theirs.ID, Limit: 1})
	if err != nil || len(one) != 1 || one[0].EventType != "issues" {
		t.Fatalf("unexpected entries of one subscription: %+v (err=%v)", one, err)
	}
}
