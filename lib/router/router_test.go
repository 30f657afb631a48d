package router

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
)

func testRule(name string, poolSize int, clientMaxSet bool, clientMax uint) *Rule {
	r := &Rule{
		Name:         name,
		DBName:       "d",
		UserName:     "u",
		PoolSize:     poolSize,
		ClientMaxSet: clientMaxSet,
		ClientMax:    clientMax,
		Storage:      &Storage{Host: "upstream", Port: 5432, Database: "d", User: "u"},
	}
	return r
}

func newTestClient() *Client {
	return NewClient(uuid.New(), Startup{Database: "d", User: "u"}, uuid.New(), nil)
}

func TestBasicAttachDetach(t *testing.T) {
	rt := New()
	rt.Reconfigure([]*Rule{testRule("r1", 2, true, 2)})

	cfg := Config{ClientMaxSet: true, ClientMax: 2}

	a := newTestClient()
	if st := rt.Route(cfg, a); st != StatusOK {
		t.Fatalf("route a: %v", st)
	}
	if st := rt.Attach(context.Background(), cfg, a); st != StatusOK {
		t.Fatalf("attach a: %v", st)
	}
	s1 := a.Server
	if s1 == nil {
		t.Fatal("expected a to be bound to a server")
	}

	rt.Detach(cfg, a)
	if a.Server != nil {
		t.Fatal("expected a to be detached")
	}

	b := newTestClient()
	if st := rt.Route(cfg, b); st != StatusOK {
		t.Fatalf("route b: %v", st)
	}
	if st := rt.Attach(context.Background(), cfg, b); st != StatusOK {
		t.Fatalf("attach b: %v", st)
	}
	if b.Server != s1 {
		t.Fatalf("expected b to reuse s1, got different server")
	}

	if rt.Clients() != 2 {
		t.Fatalf("expect clients == 2, got %d", rt.Clients())
	}
	stats := rt.Stat()
	if len(stats) != 1 || stats[0].Servers != 1 {
		t.Fatalf("expect exactly one route with one server, got %+v", stats)
	}
}

func TestPerRouteCap(t *testing.T) {
	rt := New()
	rt.Reconfigure([]*Rule{testRule("r1", 0, true, 1)})

	cfg := Config{}

	a := newTestClient()
	if st := rt.Route(cfg, a); st != StatusOK {
		t.Fatalf("route a: %v", st)
	}

	b := newTestClient()
	if st := rt.Route(cfg, b); st != StatusErrorLimitRoute {
		t.Fatalf("expect ERROR_LIMIT_ROUTE, got %v", st)
	}
	if rt.Clients() != 1 {
		t.Fatalf("expect clients unchanged at 1, got %d", rt.Clients())
	}
}

func TestGlobalCap(t *testing.T) {
	rt := New()
	rt.Reconfigure([]*Rule{testRule("r1", 0, false, 0)})

	cfg := Config{ClientMaxSet: true, ClientMax: 1}

	a := newTestClient()
	if st := rt.Route(cfg, a); st != StatusOK {
		t.Fatalf("route a: %v", st)
	}

	b := newTestClient()
	if st := rt.Route(cfg, b); st != StatusErrorLimit {
		t.Fatalf("expect ERROR_LIMIT, got %v", st)
	}
}

func TestReconfigureDrain(t *testing.T) {
	rt := New()
	r1 := testRule("shared", 0, false, 0)
	rt.Reconfigure([]*Rule{r1})

	cfg := Config{}
	a := newTestClient()
	if st := rt.Route(cfg, a); st != StatusOK {
		t.Fatalf("route a: %v", st)
	}

	r2 := testRule("shared-v2", 0, false, 0)
	r2.DBName, r2.UserName = "d2", "u2"
	updates := rt.Reconfigure([]*Rule{r2})
	if updates != 1 {
		t.Fatalf("expect 1 obsolescence change, got %d", updates)
	}

	select {
	case <-a.Killed():
	case <-time.After(time.Second):
		t.Fatal("expected a to be killed by reconfigure drain")
	}

	rt.Unroute(a)
	if freed := rt.GC(); freed != 1 {
		t.Fatalf("expect gc to free 1 route, got %d", freed)
	}
	if r1.RefCount() != 0 {
		t.Fatalf("expect r1 refcount 0 after gc, got %d", r1.RefCount())
	}
}

func TestCancelAcrossRoutes(t *testing.T) {
	rt := New()
	rule1 := testRule("r1", 0, false, 0)
	rule1.DBName, rule1.UserName = "d1", "u1"
	rule2 := testRule("r2", 0, false, 0)
	rule2.DBName, rule2.UserName = "d2", "u2"
	rt.Reconfigure([]*Rule{rule1, rule2})

	cfg := Config{}

	c1 := NewClient(uuid.New(), Startup{Database: "d1", User: "u1"}, uuid.New(), nil)
	rt.Route(cfg, c1)
	rt.Attach(context.Background(), cfg, c1)

	c2 := NewClient(uuid.New(), Startup{Database: "d2", User: "u2"}, uuid.New(), nil)
	rt.Route(cfg, c2)
	rt.Attach(context.Background(), cfg, c2)

	wantID := c2.Server.ID
	wantKey := c2.Server.Key
	st, id, key, storage := rt.Cancel(c2.Key)
	if st != StatusOK {
		t.Fatalf("expect OK, got %v", st)
	}
	if id != wantID {
		t.Fatalf("expect cancel to find server2 (%s), got %s", wantID, id)
	}
	if key != wantKey {
		t.Fatalf("expect cancel to return server2's cancel key (%s), got %s", wantKey, key)
	}
	if storage == nil || storage.Database != "d2" {
		t.Fatalf("expect a storage copy for rule2, got %+v", storage)
	}
}

func TestExpireObsoleteRouteLeavesIdleServersInPlace(t *testing.T) {
	rt := New()
	rule := testRule("r1", 0, false, 0)
	rt.Reconfigure([]*Rule{rule})

	cfg := Config{}
	a := newTestClient()
	rt.Route(cfg, a)
	rt.Attach(context.Background(), cfg, a)
	rt.Detach(cfg, a)
	rt.Unroute(a)

	rt.Reconfigure([]*Rule{})

	expired := rt.Expire()
	if len(expired) != 1 {
		t.Fatalf("expect 1 expired server, got %d", len(expired))
	}

	stats := rt.Stat()
	if len(stats) != 1 || stats[0].Servers != 1 {
		t.Fatalf("expect the idle server to remain in the pool, got %+v", stats)
	}
}

func TestExpireTTLMonotonicity(t *testing.T) {
	rt := New()
	rule := testRule("r1", 0, false, 0)
	rule.PoolTTL = 2
	rt.Reconfigure([]*Rule{rule})

	cfg := Config{}
	a := newTestClient()
	rt.Route(cfg, a)
	rt.Attach(context.Background(), cfg, a)
	rt.Detach(cfg, a)

	if expired := rt.Expire(); len(expired) != 0 {
		t.Fatalf("expect no expiry on tick 1, got %d", len(expired))
	}
	if expired := rt.Expire(); len(expired) != 0 {
		t.Fatalf("expect no expiry on tick 2, got %d", len(expired))
	}
	expired := rt.Expire()
	if len(expired) != 1 {
		t.Fatalf("expect exactly 1 expiry on tick 3, got %d", len(expired))
	}

	if expired2 := rt.Expire(); len(expired2) != 0 {
		t.Fatalf("expect the same server not expired twice, got %d", len(expired2))
	}
}

func TestQueuedAttach(t *testing.T) {
	rt := New()
	rule := testRule("r1", 1, false, 0)
	rt.Reconfigure([]*Rule{rule})

	cfg := Config{}

	a := newTestClient()
	rt.Route(cfg, a)
	if st := rt.Attach(context.Background(), cfg, a); st != StatusOK {
		t.Fatalf("attach a: %v", st)
	}
	s1 := a.Server

	b := newTestClient()
	rt.Route(cfg, b)

	done := make(chan Status, 1)
	go func() {
		done <- rt.Attach(context.Background(), cfg, b)
	}()

	// give the goroutine a chance to enqueue before detaching.
	time.Sleep(20 * time.Millisecond)
	rt.Detach(cfg, a)

	select {
	case st := <-done:
		if st != StatusOK {
			t.Fatalf("expect b's attach to succeed, got %v", st)
		}
	case <-time.After(time.Second):
		t.Fatal("expected b's attach to unblock after a detached")
	}

	if b.Server != s1 {
		t.Fatalf("expect b bound to s1, got different server")
	}
	stats := rt.Stat()
	if stats[0].Servers != 1 {
		t.Fatalf("expect no new server allocated, route has %d", stats[0].Servers)
	}
}

func TestDetachHandoffClearsKeyClientBeforeRebind(t *testing.T) {
	rt := New()
	rule := testRule("r1", 1, false, 0)
	rt.Reconfigure([]*Rule{rule})

	cfg := Config{}

	a := newTestClient()
	rt.Route(cfg, a)
	if st := rt.Attach(context.Background(), cfg, a); st != StatusOK {
		t.Fatalf("attach a: %v", st)
	}
	aKey := a.Key

	b := newTestClient()
	rt.Route(cfg, b)

	done := make(chan Status, 1)
	go func() {
		done <- rt.Attach(context.Background(), cfg, b)
	}()

	// give the goroutine a chance to enqueue before detaching.
	time.Sleep(20 * time.Millisecond)
	rt.Detach(cfg, a)

	// a's old cancel key must not match the handed-off server, whether this
	// runs before or after the waiter goroutine's bindWaiter rebinds it.
	if st, _, _, _ := rt.Cancel(aKey); st != StatusErrorNotFound {
		t.Fatalf("expect a's stale cancel key not to match the handed-off server, got %v", st)
	}

	select {
	case st := <-done:
		if st != StatusOK {
			t.Fatalf("expect b's attach to succeed, got %v", st)
		}
	case <-time.After(time.Second):
		t.Fatal("expected b's attach to unblock after a detached")
	}

	if st, _, _, _ := rt.Cancel(aKey); st != StatusErrorNotFound {
		t.Fatalf("expect a's stale cancel key still not to match after rebind, got %v", st)
	}
}

func TestAttachContextCancelWhileQueued(t *testing.T) {
	rt := New()
	rule := testRule("r1", 1, false, 0)
	rt.Reconfigure([]*Rule{rule})

	cfg := Config{}

	a := newTestClient()
	rt.Route(cfg, a)
	rt.Attach(context.Background(), cfg, a)

	b := newTestClient()
	rt.Route(cfg, b)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Status, 1)
	go func() {
		done <- rt.Attach(ctx, cfg, b)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case st := <-done:
		if st != StatusError {
			t.Fatalf("expect cancellation to surface as ERROR, got %v", st)
		}
	case <-time.After(time.Second):
		t.Fatal("expected b's attach to return after context cancel")
	}
}

func TestCloseWakesWaiter(t *testing.T) {
	rt := New()
	rule := testRule("r1", 1, false, 0)
	rt.Reconfigure([]*Rule{rule})

	cfg := Config{}

	a := newTestClient()
	rt.Route(cfg, a)
	if st := rt.Attach(context.Background(), cfg, a); st != StatusOK {
		t.Fatalf("attach a: %v", st)
	}
	closedServerID := a.Server.ID

	b := newTestClient()
	rt.Route(cfg, b)

	done := make(chan Status, 1)
	go func() {
		done <- rt.Attach(context.Background(), cfg, b)
	}()

	// give the goroutine a chance to enqueue before a's server closes.
	time.Sleep(20 * time.Millisecond)
	rt.Close(a)

	select {
	case st := <-done:
		if st != StatusOK {
			t.Fatalf("expect b's attach to succeed, got %v", st)
		}
	case <-time.After(time.Second):
		t.Fatal("expected closing a's server to unblock b's queued attach")
	}

	if b.Server == nil {
		t.Fatal("expect b to be bound to a server")
	}
	if b.Server.ID == closedServerID {
		t.Fatal("expect b bound to a freshly allocated server, not the closed one")
	}
	stats := rt.Stat()
	if stats[0].Servers != 1 {
		t.Fatalf("expect exactly one live server after close+replace, got %d", stats[0].Servers)
	}
}

func TestReconfigureRejectsBadRegexOnNewRule(t *testing.T) {
	rt := New()
	bad := testRule("bad", 0, false, 0)
	bad.DBNameRegex = true
	bad.DBName = "("

	updates := rt.Reconfigure([]*Rule{bad})
	if updates != 0 {
		t.Fatalf("expect a rejected rule not to count as an obsolescence change, got %d", updates)
	}

	cfg := Config{}
	c := newTestClient()
	if st := rt.Route(cfg, c); st != StatusErrorNotFound {
		t.Fatalf("expect no rule installed for a bad selector, got %v", st)
	}
}

func TestReconfigureKeepsOldSelectorOnBadUpdate(t *testing.T) {
	rt := New()
	good := testRule("r1", 0, false, 0)
	rt.Reconfigure([]*Rule{good})

	cfg := Config{}
	a := newTestClient()
	if st := rt.Route(cfg, a); st != StatusOK {
		t.Fatalf("route a: %v", st)
	}

	update := testRule("r1", 0, false, 0)
	update.DBNameRegex = true
	update.DBName = "("
	rt.Reconfigure([]*Rule{update})

	b := newTestClient()
	if st := rt.Route(cfg, b); st != StatusOK {
		t.Fatalf("expect the rule's previous selector to still match after a failed update, got %v", st)
	}
}
