// Package mpower speaks the HTTP and websocket protocol of mFi mPower outlet
// strips. A Client owns one login session, one push channel and the
// authoritative cache of outlet readings. It never heals itself: once the push
// channel dies the Client is discarded and replaced by a new one.
package mpower

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kuretru/mPower-Gateway/entity"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const (
	formContentType = "application/x-www-form-urlencoded"
	maxResponseSize = 1 << 20
	sessionIDLength = 32
)

// ChannelState is the lifecycle phase of the push channel.
type ChannelState int32

const (
	StateClosed ChannelState = iota
	StateOpening
	StateOpen
	StateClosing
)

func (state ChannelState) String() string {
	switch state {
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return "closed"
	}
}

type Options struct {
	// HTTPClient is copied; redirects are always disabled on the copy.
	HTTPClient    *http.Client
	WebSocketPort int
	Logger        *slog.Logger
	// OnChange receives copies of the outlets changed by a poll or a pushed
	// delta. It runs on the client's own goroutines and must return quickly.
	OnChange func(changed []*entity.SensorData)
}

type Client struct {
	address    string
	host       string
	sessionID  string
	httpClient *http.Client
	wsPort     int
	logger     *slog.Logger
	onChange   func([]*entity.SensorData)

	lock    sync.RWMutex
	sensors map[int]*entity.SensorData

	started     atomic.Bool
	loggedIn    atomic.Bool
	state       atomic.Int32
	totalErrors atomic.Int64
	lastMessage atomic.Int64

	connLock   sync.Mutex
	conn       *websocket.Conn
	cancelRead context.CancelFunc
	readDone   chan struct{}

	done      chan struct{}
	doneOnce  sync.Once
	closeOnce sync.Once
}

func NewClient(address string, options Options) *Client {
	httpClient := &http.Client{Timeout: 30 * time.Second}
	if options.HTTPClient != nil {
		copied := *options.HTTPClient
		httpClient = &copied
	}
	httpClient.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}

	host := address
	if h, _, err := net.SplitHostPort(address); err == nil {
		host = h
	}
	wsPort := options.WebSocketPort
	if wsPort == 0 {
		wsPort = DefaultWebSocketPort
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}

	client := &Client{
		address:    address,
		host:       host,
		sessionID:  generateSessionID(),
		httpClient: httpClient,
		wsPort:     wsPort,
		onChange:   options.OnChange,
		sensors:    make(map[int]*entity.SensorData),
		done:       make(chan struct{}),
	}
	client.logger = logger.With("address", address)
	client.touch()
	return client
}

func (client *Client) SessionID() string {
	return client.sessionID
}

func (client *Client) State() ChannelState {
	return ChannelState(client.state.Load())
}

func (client *Client) TotalErrors() int64 {
	return client.totalErrors.Load()
}

func (client *Client) TimeSinceLastUpdate() time.Duration {
	return time.Since(time.Unix(0, client.lastMessage.Load()))
}

// Done is closed once the push channel errors out or closes. It is never
// reopened.
func (client *Client) Done() <-chan struct{} {
	return client.done
}

// Connect logs in, performs the initial full poll and opens the push channel.
// A Client can be connected only once.
func (client *Client) Connect(ctx context.Context, username string, password string) error {
	if !client.started.CompareAndSwap(false, true) {
		return ErrAlreadyConnected
	}
	select {
	case <-client.done:
		return ErrClientClosed
	default:
	}

	client.logger.Debug("MPower.Client: logging in", "session", client.sessionID)
	if err := client.login(ctx, username, password); err != nil {
		return err
	}
	client.loggedIn.Store(true)
	client.logger.Info("MPower.Client: logged in", "session", client.sessionID)

	if err := client.FullPoll(ctx); err != nil {
		return err
	}
	return client.OpenPushChannel(ctx)
}

func (client *Client) login(ctx context.Context, username string, password string) error {
	form := "username=" + url.QueryEscape(username) + "&password=" + url.QueryEscape(password)
	body, err := client.do(ctx, http.MethodPost, loginPath, strings.NewReader(form), formContentType)
	if err != nil {
		return fmt.Errorf("mpower: login to %v failed: %w", client.address, err)
	}
	if strings.Contains(body, invalidCredentials) {
		return fmt.Errorf("mpower: login to %v: %w", client.address, ErrInvalidCredentials)
	}
	if len(body) > 0 {
		return &ResponseError{Op: "login", Body: body, Err: ErrUnexpectedResponse}
	}
	return nil
}

// FullPoll replaces the whole cache with the device's sensor listing. It is
// the only way a port enters the cache.
func (client *Client) FullPoll(ctx context.Context) error {
	sensors, err := client.fetchSensors(ctx)
	if err != nil {
		if ctx.Err() == nil {
			client.totalErrors.Add(1)
		}
		return err
	}

	fresh := make(map[int]*entity.SensorData, len(sensors))
	for _, data := range sensors {
		if data != nil {
			fresh[data.Port] = data
		}
	}

	changed := make([]*entity.SensorData, 0)
	client.lock.Lock()
	for port, data := range fresh {
		if previous, ok := client.sensors[port]; !ok || *previous != *data {
			changed = append(changed, data.Clone())
		}
	}
	client.sensors = fresh
	client.lock.Unlock()

	client.notify(changed)
	return nil
}

func (client *Client) fetchSensors(ctx context.Context) ([]*entity.SensorData, error) {
	body, err := client.do(ctx, http.MethodGet, sensorPath, nil, "")
	if err != nil {
		return nil, fmt.Errorf("mpower: poll %v failed: %w", client.address, err)
	}
	var message sensorsMessage
	if err = json.Unmarshal([]byte(body), &message); err != nil {
		return nil, &ResponseError{Op: "poll", Body: truncate(body), Err: fmt.Errorf("%w: %w", ErrUnexpectedResponse, err)}
	}
	if message.Sensors == nil {
		return nil, &ResponseError{Op: "poll", Body: truncate(body), Err: ErrUnexpectedResponse}
	}
	return message.Sensors, nil
}

// OpenPushChannel dials the device's websocket and starts merging the deltas
// it pushes.
func (client *Client) OpenPushChannel(ctx context.Context) error {
	if !client.state.CompareAndSwap(int32(StateClosed), int32(StateOpening)) {
		return ErrAlreadyConnected
	}

	u := url.URL{
		Scheme:   "ws",
		Host:     net.JoinHostPort(client.host, strconv.Itoa(client.wsPort)),
		Path:     "/",
		RawQuery: "c=" + client.sessionID,
	}
	header := http.Header{}
	header.Set("Cookie", (&http.Cookie{Name: sessionCookie, Value: client.sessionID}).String())
	conn, _, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		HTTPHeader:   header,
		Subprotocols: []string{webSocketProtocol},
	})
	if err != nil {
		client.state.Store(int32(StateClosed))
		client.markDead()
		return fmt.Errorf("mpower: open websocket to %v failed: %w", u.Host, err)
	}
	conn.SetReadLimit(webSocketReadLimit)

	readCtx, cancel := context.WithCancel(context.Background())
	client.connLock.Lock()
	client.conn = conn
	client.cancelRead = cancel
	client.readDone = make(chan struct{})
	readDone := client.readDone
	client.connLock.Unlock()

	client.state.Store(int32(StateOpen))
	client.touch()
	go client.readLoop(readCtx, conn, readDone)

	if err = wsjson.Write(ctx, conn, keepaliveMessage{Time: 10}); err != nil {
		client.disposeWebSocket()
		return fmt.Errorf("mpower: websocket handshake to %v failed: %w", u.Host, err)
	}
	client.logger.Debug("MPower.Client: websocket opened", "session", client.sessionID)
	return nil
}

func (client *Client) readLoop(ctx context.Context, conn *websocket.Conn, readDone chan struct{}) {
	defer close(readDone)
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil || websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				client.logger.Debug("MPower.Client: websocket closed", "session", client.sessionID)
			} else {
				client.logger.Warn("MPower.Client: websocket errored out", "session", client.sessionID, "err", err)
			}
			client.state.Store(int32(StateClosed))
			client.markDead()
			return
		}
		client.touch()
		client.processMessage(data)
	}
}

func (client *Client) processMessage(data []byte) {
	defer func() {
		if r := recover(); r != nil {
			client.totalErrors.Add(1)
			client.logger.Warn("MPower.Client: failed to process websocket data", "err", r)
		}
	}()

	var message deltaMessage
	if err := json.Unmarshal(data, &message); err != nil {
		client.totalErrors.Add(1)
		client.logger.Warn("MPower.Client: failed to process websocket data", "err", err)
		return
	}
	client.applyDeltas(message.Sensors)
}

// applyDeltas merges pushed updates into the cache. Ports the cache does not
// know are dropped.
func (client *Client) applyDeltas(deltas []*entity.SensorDelta) {
	changed := make([]*entity.SensorData, 0, len(deltas))
	client.lock.Lock()
	for _, delta := range deltas {
		if delta == nil {
			continue
		}
		if data, ok := client.sensors[delta.Port]; ok {
			data.ApplyDelta(delta)
			changed = append(changed, data.Clone())
		}
	}
	client.lock.Unlock()

	client.notify(changed)
}

// ReadSnapshot returns copies of the cached outlets. With no ports given every
// known port is returned; unknown ports are skipped.
func (client *Client) ReadSnapshot(ports ...int) map[int]*entity.SensorData {
	client.lock.RLock()
	defer client.lock.RUnlock()

	result := make(map[int]*entity.SensorData)
	if len(ports) == 0 {
		for port, data := range client.sensors {
			result[port] = data.Clone()
		}
		return result
	}
	for _, port := range ports {
		if data, ok := client.sensors[port]; ok {
			result[port] = data.Clone()
		}
	}
	return result
}

// SendCommand switches a port. Over an open push channel the command is sent
// without acknowledgement; otherwise it is posted to the port's HTTP endpoint
// and the returned status is checked.
func (client *Client) SendCommand(ctx context.Context, port int, on bool) error {
	output := 0
	if on {
		output = 1
	}

	if conn := client.openConn(); conn != nil {
		client.logger.Debug("MPower.Client: updating port", "port", port, "output", output)
		message := commandMessage{Sensors: []commandSensor{{Port: port, Output: output}}}
		err := wsjson.Write(ctx, conn, message)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		client.logger.Warn("MPower.Client: websocket send failed, falling back to http", "port", port, "err", err)
	}
	return client.updateOutputDirectly(ctx, port, output)
}

func (client *Client) updateOutputDirectly(ctx context.Context, port int, output int) error {
	client.logger.Debug("MPower.Client: updating port over http", "port", port, "output", output)
	path := fmt.Sprintf("%v/%v", sensorPath, port)
	body, err := client.do(ctx, http.MethodPost, path, strings.NewReader("output="+strconv.Itoa(output)), formContentType)
	if err != nil {
		return fmt.Errorf("mpower: update port %v failed: %w", port, err)
	}
	var result commandResult
	if err = json.Unmarshal([]byte(body), &result); err != nil {
		return &ResponseError{Op: "update port", Body: truncate(body), Err: fmt.Errorf("%w: %w", ErrUnexpectedResponse, err)}
	}
	if result.Status != commandStatusSuccess {
		return &CommandError{Port: port, Status: result.Status}
	}
	client.logger.Debug("MPower.Client: updated port over http", "port", port, "output", output)
	return nil
}

// Close logs out and tears the push channel down. Logout errors are ignored,
// and a session that never logged in is not logged out.
func (client *Client) Close(ctx context.Context) {
	client.closeOnce.Do(func() {
		if client.loggedIn.Load() {
			client.logout(ctx)
		}
		client.disposeWebSocket()
		client.markDead()
	})
}

func (client *Client) logout(ctx context.Context) {
	client.logger.Debug("MPower.Client: logging out", "session", client.sessionID)
	if _, err := client.do(ctx, http.MethodGet, logoutPath, nil, ""); err != nil {
		client.logger.Debug("MPower.Client: logout failed", "session", client.sessionID, "err", err)
		return
	}
	client.logger.Info("MPower.Client: logged out", "session", client.sessionID)
}

func (client *Client) disposeWebSocket() {
	client.connLock.Lock()
	conn, cancel, readDone := client.conn, client.cancelRead, client.readDone
	client.conn, client.cancelRead = nil, nil
	client.connLock.Unlock()

	if conn == nil {
		return
	}
	client.state.Store(int32(StateClosing))
	_ = conn.Close(websocket.StatusNormalClosure, "")
	cancel()
	<-readDone
	client.state.Store(int32(StateClosed))
}

func (client *Client) openConn() *websocket.Conn {
	if client.State() != StateOpen {
		return nil
	}
	client.connLock.Lock()
	defer client.connLock.Unlock()
	return client.conn
}

func (client *Client) do(ctx context.Context, method string, path string, body io.Reader, contentType string) (string, error) {
	request, err := http.NewRequestWithContext(ctx, method, "http://"+client.address+path, body)
	if err != nil {
		return "", err
	}
	request.AddCookie(&http.Cookie{Name: sessionCookie, Value: client.sessionID})
	if contentType != "" {
		request.Header.Set("Content-Type", contentType)
	}

	response, err := client.httpClient.Do(request)
	if err != nil {
		return "", err
	}
	defer response.Body.Close()

	data, err := io.ReadAll(io.LimitReader(response.Body, maxResponseSize))
	if err != nil {
		return "", err
	}
	if response.StatusCode >= http.StatusBadRequest {
		return "", &ResponseError{Op: method + " " + path, Body: truncate(string(data)), Err: fmt.Errorf("%w: %v", ErrUnexpectedResponse, response.Status)}
	}
	return string(data), nil
}

func (client *Client) notify(changed []*entity.SensorData) {
	if len(changed) > 0 && client.onChange != nil {
		client.onChange(changed)
	}
}

func (client *Client) touch() {
	client.lastMessage.Store(time.Now().UnixNano())
}

func (client *Client) markDead() {
	client.doneOnce.Do(func() {
		close(client.done)
	})
}

func generateSessionID() string {
	var builder strings.Builder
	builder.Grow(sessionIDLength)
	for range sessionIDLength {
		builder.WriteByte(byte('0' + rand.IntN(10)))
	}
	return builder.String()
}

func truncate(body string) string {
	if len(body) > 256 {
		return body[:256] + "..."
	}
	return body
}
