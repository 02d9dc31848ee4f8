package dispatch

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/trip-dispatch/internal/models"
)

// dialSession connects a fake driver app and registers its server-side
// connection under driverID. The returned conn is the client side.
func dialSession(t *testing.T, reg *WSRegistry, driverID string) *websocket.Conn {
	t.Helper()
	upgrader := websocket.Upgrader{}
	registered := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		reg.Add(driverID, conn)
		close(registered)
	}))
	t.Cleanup(srv.Close)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = client.Close() })
	<-registered
	return client
}

func TestLifecycleUpdateReachesBoundDriverSession(t *testing.T) {
	reg := NewWSRegistry()
	client := dialSession(t, reg, "d1")
	n := &FanoutNotifier{Registry: reg, Logger: slog.Default()}

	n.PublishLifecycleUpdate(context.Background(), "t1", "d1", map[string]any{"status": "driver_arrived"})

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got wsEnvelope
	if err := client.ReadJSON(&got); err != nil {
		t.Fatalf("bound driver session received nothing: %v", err)
	}
	if got.Type != "trip_update" {
		t.Fatalf("want trip_update envelope, got %q", got.Type)
	}
}

func TestLifecycleUpdateToleratesMissingSession(t *testing.T) {
	n := &FanoutNotifier{Registry: NewWSRegistry(), Logger: slog.Default()}
	// no live session and no push client configured: must not panic
	n.PublishLifecycleUpdate(context.Background(), "t1", "d1", map[string]any{"status": "cancelled"})
}

func TestBroadcastPrefersLiveSession(t *testing.T) {
	reg := NewWSRegistry()
	client := dialSession(t, reg, "d1")
	n := &FanoutNotifier{Registry: reg, Logger: slog.Default()}

	n.BroadcastTripRequest(context.Background(), []string{"d1", "d2"}, models.TripSummary{TripID: "t1", Number: "TR-t1"})

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got wsEnvelope
	if err := client.ReadJSON(&got); err != nil {
		t.Fatalf("connected driver received nothing: %v", err)
	}
	if got.Type != "trip_request" {
		t.Fatalf("want trip_request envelope, got %q", got.Type)
	}
}
