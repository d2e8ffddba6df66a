package signaling

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/adwski/robot-teleop/backend/model"
	wsServer "github.com/adwski/robot-teleop/backend/server/websocket"
	"github.com/adwski/robot-teleop/backend/service"
	"github.com/adwski/robot-teleop/backend/storage/memory"
	sw "github.com/adwski/robot-teleop/backend/switch"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

func newTestRelay(t *testing.T) (string, *memory.MemStore) {
	t.Helper()
	logger := zerolog.Nop()
	store := memory.NewMemStore()
	svc := service.NewService(service.Config{
		RoomStore: store,
		Switch:    sw.NewSwitch(&logger),
		Logger:    &logger,
	})
	srv := wsServer.NewServer(wsServer.Config{
		Logger:           &logger,
		SignalingService: svc,
	})
	ts := httptest.NewServer(srv.Handler)
	t.Cleanup(ts.Close)
	return "ws" + strings.TrimPrefix(ts.URL, "http") + wsServer.DefaultPath, store
}

func dialClient(t *testing.T, url string) *Client {
	t.Helper()
	logger := zerolog.Nop()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := Dial(ctx, url, &logger)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func waitMembers(t *testing.T, store *memory.MemStore, room string, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		info, err := store.GetRoom(room)
		if want == 0 && err != nil {
			return
		}
		if err == nil && info.Members == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("room %q never reached %d members", room, want)
}

func receive(t *testing.T, c *Client) model.Envelope {
	t.Helper()
	select {
	case env, ok := <-c.Incoming():
		if !ok {
			t.Fatal("incoming closed")
		}
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("no envelope received")
	}
	return model.Envelope{}
}

func TestClient_ExchangesEnvelopes(t *testing.T) {
	url, store := newTestRelay(t)
	operator := dialClient(t, url)

	robot, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("robot dial: %v", err)
	}
	defer func() { _ = robot.Close() }()

	if err = operator.Send(model.NewJoin("robot-1")); err != nil {
		t.Fatalf("Send join: %v", err)
	}
	if err = robot.WriteMessage(websocket.TextMessage, []byte(`{"type":"join","room":"robot-1"}`)); err != nil {
		t.Fatalf("robot join: %v", err)
	}
	waitMembers(t, store, "robot-1", 2)

	if err = operator.Send(model.NewOffer("robot-1", "v=0 offer")); err != nil {
		t.Fatalf("Send offer: %v", err)
	}
	_ = robot.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, frame, err := robot.ReadMessage()
	if err != nil {
		t.Fatalf("robot read: %v", err)
	}
	offer, err := model.ParseEnvelope(frame)
	if err != nil || offer.Type != model.EnvelopeTypeOffer || offer.SDP != "v=0 offer" {
		t.Fatalf("robot got %q (%v)", frame, err)
	}

	mid := "0"
	answer := `{"type":"answer","room":"robot-1","sdp":"v=0 answer"}`
	ice := `{"type":"ice","room":"robot-1","candidate":{"sdpMid":"0","sdpMLineIndex":0,"candidate":"candidate:1 1 udp 1 10.0.0.2 5000 typ host"}}`
	for _, msg := range []string{"not json", answer, ice} {
		if err = robot.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
			t.Fatalf("robot write: %v", err)
		}
	}

	got := receive(t, operator)
	if got.Type != model.EnvelopeTypeAnswer || got.SDP != "v=0 answer" {
		t.Fatalf("first envelope=%+v", got)
	}
	got = receive(t, operator)
	if got.Type != model.EnvelopeTypeIce || got.Candidate == nil ||
		got.Candidate.SDPMid == nil || *got.Candidate.SDPMid != mid {
		t.Fatalf("second envelope=%+v", got)
	}
}

func TestClient_CloseFlushesQueuedEnvelopes(t *testing.T) {
	url, store := newTestRelay(t)
	c := dialClient(t, url)

	if err := c.Send(model.NewJoin("robot-1")); err != nil {
		t.Fatalf("Send join: %v", err)
	}
	waitMembers(t, store, "robot-1", 1)

	if err := c.Send(model.NewLeave("robot-1")); err != nil {
		t.Fatalf("Send leave: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	waitMembers(t, store, "robot-1", 0)

	if err := c.Send(model.NewJoin("robot-1")); !errors.Is(err, ErrClosed) {
		t.Fatalf("Send after close err=%v", err)
	}
	if _, ok := <-c.Incoming(); ok {
		t.Fatal("incoming must be closed")
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestClient_RelayGoesAway(t *testing.T) {
	url, _ := newTestRelay(t)
	c := dialClient(t, url)

	// The relay drops connections that exceed its frame size limit.
	if err := c.Send(model.NewOffer("robot-1", strings.Repeat("a", 128*1024))); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case _, ok := <-c.Incoming():
		if ok {
			t.Fatal("unexpected envelope")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("incoming not closed after relay went away")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		err := c.Send(model.NewJoin("robot-1"))
		if errors.Is(err, ErrClosed) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Send err=%v, want ErrClosed", err)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDial_Unreachable(t *testing.T) {
	logger := zerolog.Nop()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := Dial(ctx, "ws://127.0.0.1:1/ws", &logger); err == nil {
		t.Fatal("expected dial error")
	}
}
