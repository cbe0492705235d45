package internal

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

const defaultWaitTime = 100 * time.Millisecond

// newTestStack runs the router and the hub loop against httptest.
func newTestStack(t *testing.T, cfg Config) *httptest.Server {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())

	router, hub := Main(testLogger(), cfg, "test-instance", nil)
	go func() {
		_ = hub.Run(ctx)
	}()

	server := httptest.NewServer(router)

	t.Cleanup(func() {
		server.Close()
		cancel()
	})

	return server
}

func wsURL(server *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(server.URL, "http") + path
}

func dialPeer(t *testing.T, ctx context.Context, url string) *websocket.Conn {
	t.Helper()

	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial %v: %v", url, err)
	}

	return conn
}

func identify(t *testing.T, ctx context.Context, conn *websocket.Conn, ident Identification) {
	t.Helper()

	b, err := json.Marshal(ident)
	if err != nil {
		t.Fatal(err)
	}

	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		t.Fatal(err)
	}
}

// waitForEnvelope reads a connection until an envelope of the wanted
// type arrives, skipping interleaved frames and notifications.
func waitForEnvelope(t *testing.T, conn *websocket.Conn, want string) Envelope {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	for {
		typ, b, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("waiting for %v: %v", want, err)
		}

		if typ != websocket.MessageText {
			continue
		}

		env := Envelope{}
		if err := json.Unmarshal(b, &env); err != nil {
			t.Fatalf("bad envelope %q: %v", b, err)
		}

		if env.Type == want {
			return env
		}
	}
}

func readCarCommand(t *testing.T, conn *websocket.Conn) CommandMessage {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	typ, b, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("waiting for command: %v", err)
	}

	if typ != websocket.MessageText {
		t.Fatalf("expected text command, got type %v", typ)
	}

	cmd := CommandMessage{}
	if err := json.Unmarshal(b, &cmd); err != nil {
		t.Fatalf("bad command %q: %v", b, err)
	}

	return cmd
}

func TestE2E(t *testing.T) {
	// generous staleness so the sweep never interferes with pacing
	server := newTestStack(t, Config{StaleAfter: time.Minute})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// a plain request on a socket path must demand an upgrade
	resp, err := http.Get(server.URL + "/ws")
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusUpgradeRequired {
		t.Fatal("plain request did not require upgrade")
	}
	if resp.Header.Get("Instance-ID") != "test-instance" {
		t.Error("missing instance header")
	}

	// first viewer joins an empty hub
	viewer1 := dialPeer(t, ctx, wsURL(server, "/ws"))
	defer viewer1.Close(websocket.StatusNormalClosure, "bye")

	// camera identifies and every viewer hears about it
	camera := dialPeer(t, ctx, wsURL(server, "/camera"))
	identify(t, ctx, camera, Identification{PeerKind: "camera", Device: "esp32-cam"})

	env := waitForEnvelope(t, viewer1, TypeCameraConnected)
	if env.Device != "esp32-cam" {
		t.Errorf("unexpected device %q", env.Device)
	}

	// a late viewer is caught up on current occupancy
	viewer2 := dialPeer(t, ctx, wsURL(server, "/ws"))
	defer viewer2.Close(websocket.StatusNormalClosure, "bye")

	env = waitForEnvelope(t, viewer2, TypeCameraConnected)
	if env.Device != "esp32-cam" {
		t.Errorf("late joiner missed camera, got %q", env.Device)
	}

	// binary camera payloads fan out to every viewer
	frame := []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10, 0x4A, 0x46}
	if err := camera.Write(ctx, websocket.MessageBinary, frame); err != nil {
		t.Fatal(err)
	}

	for _, viewer := range []*websocket.Conn{viewer1, viewer2} {
		env = waitForEnvelope(t, viewer, TypeFrame)
		img, err := base64.StdEncoding.DecodeString(env.Image)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(img, frame) {
			t.Error("frame bytes mangled in transit")
		}
		if env.Timestamp == 0 {
			t.Error("frame envelope missing timestamp")
		}
	}

	// the snapshot surface serves the cached frame out of band
	time.Sleep(defaultWaitTime)
	resp, err = http.Get(server.URL + "/snapshot")
	if err != nil {
		t.Fatal(err)
	}
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("snapshot status %v", resp.StatusCode)
	}
	if !bytes.Equal(body, frame) {
		t.Error("snapshot returned different bytes")
	}
	if resp.Header.Get("X-Frame-Seq") != "1" {
		t.Errorf("unexpected frame seq %q", resp.Header.Get("X-Frame-Seq"))
	}

	// commands are refused while no car is registered
	code, reply := postCommand(t, server, `{"command":"forward","speed":128}`)
	if code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without car, got %v", code)
	}
	if !strings.Contains(reply, "car unavailable") {
		t.Errorf("unexpected error payload %q", reply)
	}

	// car identifies and every viewer hears about it
	car := dialPeer(t, ctx, wsURL(server, "/car"))
	identify(t, ctx, car, Identification{PeerKind: "car", Device: "rover-1", Status: "ready"})

	for _, viewer := range []*websocket.Conn{viewer1, viewer2} {
		env = waitForEnvelope(t, viewer, TypeCarConnected)
		if env.Device != "rover-1" || env.Status != "ready" {
			t.Errorf("unexpected car envelope %+v", env)
		}
	}

	// a viewer command reaches the car with its speed intact
	if err := viewer1.Write(ctx, websocket.MessageText, []byte(`{"command":"forward","speed":128}`)); err != nil {
		t.Fatal(err)
	}

	cmd := readCarCommand(t, car)
	if cmd.Command != "forward" || cmd.Speed != 128 {
		t.Fatalf("car received %+v", cmd)
	}
	if cmd.Timestamp == 0 {
		t.Error("forwarded command missing timestamp")
	}

	// the car's acknowledgment is rebroadcast to every viewer
	if err := car.Write(ctx, websocket.MessageText, []byte(`{"command":"forward","status":"ok"}`)); err != nil {
		t.Fatal(err)
	}

	for _, viewer := range []*websocket.Conn{viewer1, viewer2} {
		env = waitForEnvelope(t, viewer, TypeCarAck)
		if env.Command != "forward" || env.Status != "ok" {
			t.Errorf("unexpected ack envelope %+v", env)
		}
	}

	// a malformed command bounces back to its sender alone and the car
	// never sees it: its next delivery is the valid command that follows
	if err := viewer1.Write(ctx, websocket.MessageText, []byte(`{"command":"diagonal","speed":10}`)); err != nil {
		t.Fatal(err)
	}

	env = waitForEnvelope(t, viewer1, TypeError)
	if env.Command != "diagonal" {
		t.Errorf("error envelope names %q", env.Command)
	}

	code, _ = postCommand(t, server, `{"command":"stop","speed":0}`)
	if code != http.StatusAccepted {
		t.Fatalf("expected 202, got %v", code)
	}

	cmd = readCarCommand(t, car)
	if cmd.Command != "stop" {
		t.Fatalf("car should have seen stop next, got %q", cmd.Command)
	}

	if err := car.Write(ctx, websocket.MessageText, []byte(`{"status":"stopped"}`)); err != nil {
		t.Fatal(err)
	}

	// an ack without a command field inherits the last command sent
	env = waitForEnvelope(t, viewer2, TypeCarAck)
	if env.Command != "stop" || env.Status != "stopped" {
		t.Errorf("unexpected ack envelope %+v", env)
	}

	// status reflects the whole round-trip
	time.Sleep(defaultWaitTime)
	st := getStatus(t, server)
	if !st.Camera.Connected || st.Camera.Device != "esp32-cam" {
		t.Errorf("unexpected camera status %+v", st.Camera)
	}
	if !st.Car.Connected || st.Car.LastCommand != "stop" || st.Car.LastAck != "stopped" {
		t.Errorf("unexpected car status %+v", st.Car)
	}
	if st.Car.Phase != PhaseAcknowledged {
		t.Errorf("unexpected phase %q", st.Car.Phase)
	}
	if st.Viewers != 2 {
		t.Errorf("expected 2 viewers, got %v", st.Viewers)
	}
	if st.Frame.Seq != 1 {
		t.Errorf("unexpected frame seq %v", st.Frame.Seq)
	}

	// device departure notifications
	_ = camera.Close(websocket.StatusNormalClosure, "bye")
	env = waitForEnvelope(t, viewer1, TypeCameraDisconnected)
	if env.Device != "esp32-cam" {
		t.Errorf("unexpected device %q", env.Device)
	}

	_ = car.Close(websocket.StatusNormalClosure, "bye")
	env = waitForEnvelope(t, viewer1, TypeCarDisconnected)
	if env.Device != "rover-1" {
		t.Errorf("unexpected device %q", env.Device)
	}

	time.Sleep(defaultWaitTime)
	st = getStatus(t, server)
	if st.Camera.Connected || st.Car.Connected {
		t.Errorf("devices still connected in status %+v", st)
	}
}

func postCommand(t *testing.T, server *httptest.Server, body string) (int, string) {
	t.Helper()

	resp, err := http.Post(server.URL+"/command", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}

	//goland:noinspection GoUnhandledErrorResult
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}

	return resp.StatusCode, string(b)
}

func getStatus(t *testing.T, server *httptest.Server) Status {
	t.Helper()

	resp, err := http.Get(server.URL + "/status")
	if err != nil {
		t.Fatal(err)
	}

	//goland:noinspection GoUnhandledErrorResult
	defer resp.Body.Close()

	st := Status{}
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatal(err)
	}

	return st
}

func TestHandshakeTimeout(t *testing.T) {
	server := newTestStack(t, Config{HandshakeTimeout: 300 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	camera := dialPeer(t, ctx, wsURL(server, "/camera"))

	// never identify; the hub must hang up on its own
	_, _, err := camera.Read(ctx)
	if err == nil {
		t.Fatal("expected the hub to close an unidentified connection")
	}

	if websocket.CloseStatus(err) != websocket.StatusPolicyViolation {
		t.Errorf("unexpected close status: %v", err)
	}
}

func TestHandshakeRejected(t *testing.T) {
	server := newTestStack(t, Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// garbage instead of identification
	camera := dialPeer(t, ctx, wsURL(server, "/camera"))
	if err := camera.Write(ctx, websocket.MessageText, []byte("not json")); err != nil {
		t.Fatal(err)
	}

	if _, _, err := camera.Read(ctx); websocket.CloseStatus(err) != websocket.StatusPolicyViolation {
		t.Errorf("malformed identification: unexpected result %v", err)
	}

	// right shape, wrong surface
	car := dialPeer(t, ctx, wsURL(server, "/car"))
	identify(t, ctx, car, Identification{PeerKind: "camera", Device: "esp32-cam"})

	if _, _, err := car.Read(ctx); websocket.CloseStatus(err) != websocket.StatusPolicyViolation {
		t.Errorf("mismatched peer kind: unexpected result %v", err)
	}

	// identification without a device label
	camera = dialPeer(t, ctx, wsURL(server, "/camera"))
	identify(t, ctx, camera, Identification{PeerKind: "camera"})

	if _, _, err := camera.Read(ctx); websocket.CloseStatus(err) != websocket.StatusPolicyViolation {
		t.Errorf("missing device: unexpected result %v", err)
	}
}

func TestCameraReplacement(t *testing.T) {
	server := newTestStack(t, Config{StaleAfter: time.Minute})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	viewer := dialPeer(t, ctx, wsURL(server, "/ws"))
	defer viewer.Close(websocket.StatusNormalClosure, "bye")

	camera1 := dialPeer(t, ctx, wsURL(server, "/camera"))
	identify(t, ctx, camera1, Identification{PeerKind: "camera", Device: "cam-1"})
	waitForEnvelope(t, viewer, TypeCameraConnected)

	camera2 := dialPeer(t, ctx, wsURL(server, "/camera"))
	defer camera2.Close(websocket.StatusNormalClosure, "bye")
	identify(t, ctx, camera2, Identification{PeerKind: "camera", Device: "cam-2"})

	env := waitForEnvelope(t, viewer, TypeCameraConnected)
	if env.Device != "cam-2" {
		t.Fatalf("expected cam-2 takeover, got %q", env.Device)
	}

	// the replaced camera is hung up on
	if _, _, err := camera1.Read(ctx); err == nil {
		t.Error("replaced camera should have been closed")
	}

	time.Sleep(defaultWaitTime)
	st := getStatus(t, server)
	if !st.Camera.Connected || st.Camera.Device != "cam-2" {
		t.Errorf("unexpected camera status %+v", st.Camera)
	}

	// the slot never emptied, so no disconnect may have been broadcast;
	// nothing but the timeout should come out of this read
	rctx, rcancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer rcancel()

	_, b, err := viewer.Read(rctx)
	if err == nil {
		env := Envelope{}
		_ = json.Unmarshal(b, &env)
		if env.Type == TypeCameraDisconnected {
			t.Error("replacement must not broadcast a disconnect")
		}
	}
}

func TestLegacySurface(t *testing.T) {
	server := newTestStack(t, Config{StaleAfter: time.Minute})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	viewer := dialPeer(t, ctx, wsURL(server, "/ws"))
	defer viewer.Close(websocket.StatusNormalClosure, "bye")

	// a binary payload from an unidentified peer makes it the camera
	camera := dialPeer(t, ctx, wsURL(server, "/legacy"))
	defer camera.Close(websocket.StatusNormalClosure, "bye")

	frame := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	if err := camera.Write(ctx, websocket.MessageBinary, frame); err != nil {
		t.Fatal(err)
	}

	env := waitForEnvelope(t, viewer, TypeCameraConnected)
	if env.Device != "legacy" {
		t.Errorf("unexpected device %q", env.Device)
	}

	env = waitForEnvelope(t, viewer, TypeFrame)
	img, err := base64.StdEncoding.DecodeString(env.Image)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(img, frame) {
		t.Error("legacy frame mangled in transit")
	}

	// a JSON command from an unidentified peer makes it a viewer; with
	// no car around it gets the structured error straight back
	sender := dialPeer(t, ctx, wsURL(server, "/legacy"))
	defer sender.Close(websocket.StatusNormalClosure, "bye")

	if err := sender.Write(ctx, websocket.MessageText, []byte(`{"command":"stop","speed":0}`)); err != nil {
		t.Fatal(err)
	}

	env = waitForEnvelope(t, sender, TypeError)
	if env.Command != "stop" {
		t.Errorf("error envelope names %q", env.Command)
	}

	// a JSON identification assigns the declared role
	car := dialPeer(t, ctx, wsURL(server, "/legacy"))
	defer car.Close(websocket.StatusNormalClosure, "bye")

	identify(t, ctx, car, Identification{PeerKind: "car", Device: "old-rover"})

	env = waitForEnvelope(t, viewer, TypeCarConnected)
	if env.Device != "old-rover" {
		t.Errorf("unexpected device %q", env.Device)
	}

	code, _ := postCommand(t, server, `{"command":"left","speed":64}`)
	if code != http.StatusAccepted {
		t.Fatalf("expected 202, got %v", code)
	}

	cmd := readCarCommand(t, car)
	if cmd.Command != "left" || cmd.Speed != 64 {
		t.Fatalf("legacy car received %+v", cmd)
	}

	if err := car.Write(ctx, websocket.MessageText, []byte(`{"command":"left","status":"ok"}`)); err != nil {
		t.Fatal(err)
	}

	env = waitForEnvelope(t, viewer, TypeCarAck)
	if env.Command != "left" || env.Status != "ok" {
		t.Errorf("unexpected ack envelope %+v", env)
	}

	// a bare ack has no command key and would sniff as a frame; the car
	// role owns it and viewers still get the rebroadcast
	code, _ = postCommand(t, server, `{"command":"right","speed":32}`)
	if code != http.StatusAccepted {
		t.Fatalf("expected 202, got %v", code)
	}

	cmd = readCarCommand(t, car)
	if cmd.Command != "right" {
		t.Fatalf("legacy car received %+v", cmd)
	}

	if err := car.Write(ctx, websocket.MessageText, []byte(`{"status":"done"}`)); err != nil {
		t.Fatal(err)
	}

	env = waitForEnvelope(t, viewer, TypeCarAck)
	if env.Command != "right" || env.Status != "done" {
		t.Errorf("unexpected ack envelope %+v", env)
	}
}
