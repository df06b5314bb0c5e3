package mpower

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kuretru/mPower-Gateway/entity"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

// fakeDevice emulates the mPower web server and its push websocket on a
// single listener.
type fakeDevice struct {
	t      *testing.T
	server *httptest.Server

	mu            sync.Mutex
	loginBody     string
	pollBody      string
	sensors       []*entity.SensorData
	commandStatus string
	httpCommands  []string
	loginForms    []string
	cookies       []string
	queries       []string
	loggedOut     bool
	pollCount     int

	conns    chan *websocket.Conn
	wsFrames chan string
}

func newFakeDevice(t *testing.T, sensors ...*entity.SensorData) *fakeDevice {
	device := &fakeDevice{
		t:             t,
		sensors:       sensors,
		commandStatus: "success",
		conns:         make(chan *websocket.Conn, 4),
		wsFrames:      make(chan string, 64),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/login.cgi", device.handleLogin)
	mux.HandleFunc("/logout.cgi", device.handleLogout)
	mux.HandleFunc("/sensors", device.handleSensors)
	mux.HandleFunc("/sensors/", device.handleCommand)
	mux.HandleFunc("/elsewhere", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("redirect followed"))
	})
	mux.HandleFunc("/", device.handleWebSocket)
	device.server = httptest.NewServer(mux)
	t.Cleanup(device.server.Close)
	return device
}

func (device *fakeDevice) address() string {
	return device.server.Listener.Addr().String()
}

func (device *fakeDevice) port() int {
	_, port, err := net.SplitHostPort(device.address())
	require.NoError(device.t, err)
	value, err := strconv.Atoi(port)
	require.NoError(device.t, err)
	return value
}

func (device *fakeDevice) newClient(onChange func([]*entity.SensorData)) *Client {
	client := NewClient(device.address(), Options{
		WebSocketPort: device.port(),
		Logger:        newTestLogger(),
		OnChange:      onChange,
	})
	device.t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		client.Close(ctx)
	})
	return client
}

func (device *fakeDevice) recordCookie(r *http.Request) {
	if cookie, err := r.Cookie(sessionCookie); err == nil {
		device.cookies = append(device.cookies, cookie.Value)
	}
}

func (device *fakeDevice) handleLogin(w http.ResponseWriter, r *http.Request) {
	device.mu.Lock()
	defer device.mu.Unlock()
	device.recordCookie(r)
	_ = r.ParseForm()
	device.loginForms = append(device.loginForms, r.PostForm.Encode())
	if device.loginBody == "redirect" {
		http.Redirect(w, r, "/elsewhere", http.StatusFound)
		return
	}
	_, _ = w.Write([]byte(device.loginBody))
}

func (device *fakeDevice) handleLogout(w http.ResponseWriter, r *http.Request) {
	device.mu.Lock()
	defer device.mu.Unlock()
	device.recordCookie(r)
	device.loggedOut = true
}

func (device *fakeDevice) handleSensors(w http.ResponseWriter, r *http.Request) {
	device.mu.Lock()
	defer device.mu.Unlock()
	device.recordCookie(r)
	device.pollCount++
	if device.pollBody != "" {
		_, _ = w.Write([]byte(device.pollBody))
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"sensors": device.sensors})
}

func (device *fakeDevice) handleCommand(w http.ResponseWriter, r *http.Request) {
	device.mu.Lock()
	defer device.mu.Unlock()
	device.recordCookie(r)
	_ = r.ParseForm()
	port := strings.TrimPrefix(r.URL.Path, "/sensors/")
	device.httpCommands = append(device.httpCommands, port+"="+r.PostForm.Get("output"))
	_ = json.NewEncoder(w).Encode(map[string]string{"status": device.commandStatus})
}

func (device *fakeDevice) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	device.mu.Lock()
	device.queries = append(device.queries, r.URL.Query().Get("c"))
	device.mu.Unlock()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{Subprotocols: []string{webSocketProtocol}})
	if err != nil {
		return
	}
	device.conns <- conn
	for {
		_, data, err := conn.Read(context.Background())
		if err != nil {
			return
		}
		device.wsFrames <- string(data)
	}
}

func (device *fakeDevice) push(t *testing.T, conn *websocket.Conn, frame string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(frame)))
}

func (device *fakeDevice) acceptedConn(t *testing.T) *websocket.Conn {
	select {
	case conn := <-device.conns:
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("websocket was not opened")
		return nil
	}
}

func (device *fakeDevice) nextFrame(t *testing.T) string {
	select {
	case frame := <-device.wsFrames:
		return frame
	case <-time.After(2 * time.Second):
		t.Fatal("no websocket frame received")
		return ""
	}
}

func (device *fakeDevice) commands() []string {
	device.mu.Lock()
	defer device.mu.Unlock()
	return append([]string(nil), device.httpCommands...)
}

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}
