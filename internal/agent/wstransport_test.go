package agent

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/manpreetbhatti/taskroom/internal/protocol"
	"github.com/manpreetbhatti/taskroom/internal/room"
	"github.com/manpreetbhatti/taskroom/internal/ws"
)

func startGateway(t *testing.T) string {
	t.Helper()
	hub := ws.NewHub(ws.DefaultOptions())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(done)
	}()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws.ServeWs(hub, w, r)
	}))
	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-done
	})
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dialAgent(t *testing.T, url, userID string) (*Agent, *WSTransport) {
	t.Helper()
	tr := NewWSTransport(url, WithBackoff(10*time.Millisecond, 50*time.Millisecond))
	a := New(tr, Options{UserID: userID, UserName: strings.ToUpper(userID), RoomID: "e2e"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		tr.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		a.Close()
		tr.Close()
		cancel()
		<-done
	})

	waitFor(t, "connection", tr.IsConnected)
	joinCtx, joinCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer joinCancel()
	if err := a.Join(joinCtx); err != nil {
		t.Fatalf("%s: Join failed: %v", userID, err)
	}
	return a, tr
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestAgentsCollaborateOverWebsocket(t *testing.T) {
	url := startGateway(t)
	alice, _ := dialAgent(t, url, "alice")
	bob, _ := dialAgent(t, url, "bob")

	waitFor(t, "both participants", func() bool { return len(alice.Participants()) == 2 })

	if err := alice.AddTask("t1", map[string]any{"title": "Write docs", "completed": false}); err != nil {
		t.Fatalf("AddTask failed: %v", err)
	}
	waitFor(t, "bob to see t1", func() bool { return bob.State().HasTask("t1") })
	waitFor(t, "alice's ack", func() bool { return alice.Pending() == 0 })

	if err := bob.UpdateTask("t1", map[string]any{"completed": true}); err != nil {
		t.Fatalf("UpdateTask failed: %v", err)
	}
	waitFor(t, "alice to see the update", func() bool {
		task, ok := alice.State().Task("t1")
		return ok && task["completed"] == true
	})
	if alice.LastOperationID() != 2 {
		t.Errorf("Expected last operation id 2, got %d", alice.LastOperationID())
	}

	field := room.TaskFieldLock("t1", "title")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := alice.RequestEditLock(ctx, field)
	if err != nil || !res.Success {
		t.Fatalf("Expected alice to get the lock, got %+v %v", res, err)
	}
	res, err = bob.RequestEditLock(ctx, field)
	if err != nil {
		t.Fatalf("RequestEditLock failed: %v", err)
	}
	if res.Success {
		t.Error("Expected bob to be denied the lock")
	}
	if res.CurrentEditor != "alice" {
		t.Errorf("Expected denial to name 'alice', got %q", res.CurrentEditor)
	}
	waitFor(t, "bob to see alice's lock", func() bool {
		locks := bob.Locks()
		return len(locks) == 1 && locks[0].UserID == "alice"
	})

	if err := alice.ReleaseEditLock(field); err != nil {
		t.Fatalf("ReleaseEditLock failed: %v", err)
	}
	waitFor(t, "lock release", func() bool { return len(bob.Locks()) == 0 })
}

func TestDisconnectReleasesLocksForOthers(t *testing.T) {
	url := startGateway(t)
	alice, aliceTr := dialAgent(t, url, "alice")
	bob, _ := dialAgent(t, url, "bob")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, f := range []string{"x", "y"} {
		if res, err := alice.RequestEditLock(ctx, f); err != nil || !res.Success {
			t.Fatalf("Expected lock on %s, got %+v %v", f, res, err)
		}
	}
	waitFor(t, "bob to see both locks", func() bool { return len(bob.Locks()) == 2 })

	aliceTr.Close()
	waitFor(t, "alice's transport to drop", func() bool { return !aliceTr.IsConnected() })
	waitFor(t, "locks released", func() bool { return len(bob.Locks()) == 0 })
	waitFor(t, "alice gone", func() bool { return len(bob.Participants()) == 1 })

	if _, err := alice.RequestEditLock(ctx, "x"); !errors.Is(err, ErrTransportDisconnected) {
		t.Errorf("Expected ErrTransportDisconnected, got %v", err)
	}
}

func TestLockRequestedFromObserver(t *testing.T) {
	url := startGateway(t)
	alice, _ := dialAgent(t, url, "alice")
	bob, _ := dialAgent(t, url, "bob")

	// The request leaves the observer on its own goroutine so the read loop
	// can deliver the answer.
	results := make(chan error, 1)
	var once sync.Once
	bob.OnStateChange(func(s *room.State) {
		if !s.HasTask("t1") {
			return
		}
		once.Do(func() {
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				res, err := bob.RequestEditLock(ctx, room.TaskFieldLock("t1", "title"))
				if err == nil && !res.Success {
					err = errors.New("lock denied to " + res.CurrentEditor)
				}
				results <- err
			}()
		})
	})

	if err := alice.AddTask("t1", map[string]any{"title": "Plan"}); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-results:
		if err != nil {
			t.Errorf("Expected the lock from inside an observer, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Timed out waiting for the lock answer")
	}
}

func TestPresenceReachesOtherAgents(t *testing.T) {
	url := startGateway(t)
	alice, _ := dialAgent(t, url, "alice")
	bob, _ := dialAgent(t, url, "bob")

	got := make(chan protocol.PresenceUpdated, 1)
	bob.OnPresenceChange(func(u protocol.PresenceUpdated) {
		select {
		case got <- u:
		default:
		}
	})
	if err := alice.UpdatePresence(protocol.PresenceData{Cursor: &room.Cursor{X: 3, Y: 4}}); err != nil {
		t.Fatal(err)
	}

	select {
	case u := <-got:
		if u.UserID != "alice" || u.PresenceData.Cursor == nil || u.PresenceData.Cursor.Y != 4 {
			t.Errorf("Unexpected presence update %+v", u)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for presence")
	}
}

func TestTransportRetriesUntilServerIsUp(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := l.Addr().String()
	l.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tr := NewWSTransport("ws://"+addr, WithBackoff(10*time.Millisecond, 50*time.Millisecond))
	connects := make(chan struct{}, 4)
	tr.Subscribe(protocol.EventConnect, func(json.RawMessage) { connects <- struct{}{} })

	runDone := make(chan error, 1)
	go func() { runDone <- tr.Run(ctx) }()

	// Let a few dials fail before the server appears.
	time.Sleep(50 * time.Millisecond)
	if tr.IsConnected() {
		t.Fatal("Expected no connection before the server starts")
	}

	hub := ws.NewHub(ws.DefaultOptions())
	hubDone := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(hubDone)
	}()
	l, err = net.Listen("tcp", addr)
	if err != nil {
		t.Skipf("Could not rebind %s: %v", addr, err)
	}
	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws.ServeWs(hub, w, r)
	}))
	srv.Listener.Close()
	srv.Listener = l
	srv.Start()
	defer srv.Close()

	select {
	case <-connects:
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for connect")
	}
	waitFor(t, "socket id", func() bool { return tr.SocketID() != "" })

	tr.Close()
	select {
	case err := <-runDone:
		if err != nil {
			t.Errorf("Expected Run to return nil after Close, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Close")
	}
	cancel()
	<-hubDone
}
