package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"ChansonFM/core/provider"
	"ChansonFM/core/sfu"
	"ChansonFM/model"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEngine struct {
	mu         sync.Mutex
	caps       *sfu.RTPCapabilities
	producer   string
	consumeErr error
	connectErr error
	released   []string
}

func (e *fakeEngine) Initialize(context.Context) error { return nil }

func (e *fakeEngine) Capabilities() *sfu.RTPCapabilities {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.caps
}

func (e *fakeEngine) CreateProducer(context.Context, sfu.CodecConfig) (*sfu.Producer, error) {
	return nil, errors.New("not used")
}

func (e *fakeEngine) CloseProducer(string) {}

func (e *fakeEngine) ActiveProducer() (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.producer, e.producer != ""
}

func (e *fakeEngine) CreateClientTransport(_ context.Context, clientID string) (*sfu.TransportDescriptor, error) {
	return &sfu.TransportDescriptor{ID: "t-" + clientID}, nil
}

func (e *fakeEngine) ConnectClientTransport(context.Context, string, sfu.DTLSParameters, *sfu.ICEParameters) error {
	return e.connectErr
}

func (e *fakeEngine) Consume(_ context.Context, clientID string, caps sfu.RTPCapabilities) (*sfu.ConsumerDescriptor, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.consumeErr != nil {
		return nil, e.consumeErr
	}
	if !caps.Supports("audio/opus") {
		return nil, sfu.ErrCannotConsume
	}
	return &sfu.ConsumerDescriptor{ID: "c-" + clientID, ProducerID: e.producer, Kind: "audio"}, nil
}

func (e *fakeEngine) CloseClientResources(clientID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.released = append(e.released, clientID)
}

func (e *fakeEngine) ProducerHealthScore(string) (int, error) { return 10, nil }
func (e *fakeEngine) OnProducerEvent(func(sfu.ProducerEvent)) {}
func (e *fakeEngine) Close() error                           { return nil }

type staticQueue []model.TrackView

func (q staticQueue) Snapshot() []model.TrackView { return q }

type staticNowPlaying struct{ track *model.TrackView }

func (s staticNowPlaying) NowPlaying() *model.TrackView { return s.track }

type staticStatus struct{}

func (staticStatus) Status() provider.Status {
	return provider.Status{Type: provider.MsgTypeProviderStatus, Connected: true, Ready: true, Mode: "external"}
}

type envelope map[string]interface{}

func (e envelope) typ() string {
	s, _ := e["type"].(string)
	return s
}

func newServer(t *testing.T, hub *Hub) string {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		hub.Serve(context.Background(), conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func read(t *testing.T, conn *websocket.Conn) envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg envelope
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func readUntil(t *testing.T, conn *websocket.Conn, typ MessageType) envelope {
	t.Helper()
	for i := 0; i < 20; i++ {
		msg := read(t, conn)
		if msg.typ() == string(typ) {
			return msg
		}
	}
	t.Fatalf("message %s not received", typ)
	return nil
}

func send(t *testing.T, conn *websocket.Conn, msg string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(msg)))
}

func TestConnectReplaysState(t *testing.T) {
	title := "now"
	eng := &fakeEngine{producer: "p1"}
	hub := NewHub(eng,
		staticQueue{{ID: 1, SourceID: "aaaaaaaaaaa", Title: "queued"}},
		staticNowPlaying{track: &model.TrackView{ID: 2, Title: title}},
		staticStatus{})
	conn := dial(t, newServer(t, hub))

	welcome := read(t, conn)
	assert.Equal(t, "welcome", welcome.typ())
	assert.NotEmpty(t, welcome["id"])

	count := read(t, conn)
	assert.Equal(t, "client_count", count.typ())
	assert.EqualValues(t, 1, count["count"])

	q := read(t, conn)
	assert.Equal(t, "queue_update", q.typ())
	assert.Len(t, q["queue"], 1)

	started := read(t, conn)
	assert.Equal(t, "producer_started", started.typ())
	assert.Equal(t, "p1", started["producerId"])

	np := read(t, conn)
	assert.Equal(t, "now_playing", np.typ())
	assert.Equal(t, title, np["track"].(map[string]interface{})["title"])

	status := read(t, conn)
	assert.Equal(t, "provider_status", status.typ())
	assert.Equal(t, true, status["ready"])
}

func TestIdleConnectSkipsProducerAndNowPlaying(t *testing.T) {
	hub := NewHub(&fakeEngine{}, staticQueue(nil), staticNowPlaying{}, staticStatus{})
	conn := dial(t, newServer(t, hub))

	assert.Equal(t, "welcome", read(t, conn).typ())
	assert.Equal(t, "client_count", read(t, conn).typ())
	q := read(t, conn)
	assert.Equal(t, "queue_update", q.typ())
	assert.Equal(t, []interface{}{}, q["queue"])
	assert.Equal(t, "provider_status", read(t, conn).typ())
}

func TestNegotiationFlow(t *testing.T) {
	eng := &fakeEngine{producer: "p1", caps: &sfu.RTPCapabilities{Codecs: []sfu.CodecCapability{{Kind: "audio", MimeType: "audio/opus"}}}}
	hub := NewHub(eng, staticQueue(nil), staticNowPlaying{}, staticStatus{})
	conn := dial(t, newServer(t, hub))
	id := read(t, conn)["id"].(string)
	readUntil(t, conn, "provider_status")

	send(t, conn, `{"type":"get_rtp_capabilities"}`)
	caps := read(t, conn)
	assert.Equal(t, "rtp_capabilities", caps.typ())
	assert.NotNil(t, caps["capabilities"])

	send(t, conn, `{"type":"create_transport"}`)
	created := read(t, conn)
	assert.Equal(t, "transport_created", created.typ())
	assert.Equal(t, "t-"+id, created["params"].(map[string]interface{})["id"])
	assert.Equal(t, "queue_update", read(t, conn).typ())

	send(t, conn, `{"type":"connect_transport","dtlsParameters":{"role":"client","fingerprints":[{"algorithm":"sha-256","value":"AA"}]}}`)
	assert.Equal(t, "transport_connected", read(t, conn).typ())

	send(t, conn, `{"type":"consume","rtpCapabilities":{"codecs":[{"kind":"audio","mimeType":"audio/opus","clockRate":48000}]}}`)
	consumed := read(t, conn)
	assert.Equal(t, "consumed", consumed.typ())
	assert.Equal(t, "p1", consumed["params"].(map[string]interface{})["producerId"])
}

func TestErrorReplies(t *testing.T) {
	eng := &fakeEngine{connectErr: sfu.ErrNoTransport}
	hub := NewHub(eng, staticQueue(nil), staticNowPlaying{}, staticStatus{})
	conn := dial(t, newServer(t, hub))
	readUntil(t, conn, "provider_status")

	cases := []struct {
		msg  string
		want string
	}{
		{`{"type":"get_rtp_capabilities"}`, errTextRouterNotReady},
		{`{"type":"consume","rtpCapabilities":{"codecs":[]}}`, errTextNoProducer},
		{`{"type":"connect_transport","dtlsParameters":{"fingerprints":[]}}`, errTextConnectTransport},
		{`not json`, errTextInvalidJSON},
		{`{"type":"dance"}`, errTextUnknownType},
	}
	for _, tc := range cases {
		send(t, conn, tc.msg)
		reply := read(t, conn)
		assert.Equal(t, "error", reply.typ(), tc.msg)
		assert.Equal(t, tc.want, reply["message"], tc.msg)
	}

	eng.mu.Lock()
	eng.producer = "p1"
	eng.mu.Unlock()
	send(t, conn, `{"type":"consume","rtpCapabilities":{"codecs":[{"kind":"video","mimeType":"video/VP8"}]}}`)
	assert.Equal(t, errTextCannotConsume, read(t, conn)["message"])

	eng.mu.Lock()
	eng.consumeErr = errors.New("boom")
	eng.mu.Unlock()
	send(t, conn, `{"type":"consume","rtpCapabilities":{"codecs":[]}}`)
	assert.Equal(t, errTextConsume, read(t, conn)["message"])
}

func TestBroadcastsAndDisconnect(t *testing.T) {
	eng := &fakeEngine{}
	hub := NewHub(eng, staticQueue(nil), staticNowPlaying{}, staticStatus{})

	var mu sync.Mutex
	var counts []int
	hub.OnClientCount(func(n int) {
		mu.Lock()
		defer mu.Unlock()
		counts = append(counts, n)
	})

	url := newServer(t, hub)
	first := dial(t, url)
	readUntil(t, first, "provider_status")

	second := dial(t, url)
	secondID := read(t, second)["id"].(string)
	readUntil(t, second, "provider_status")

	joined := readUntil(t, first, MsgTypeClientCount)
	assert.EqualValues(t, 2, joined["count"])

	hub.PublishNowPlaying(&model.TrackView{ID: 5, Title: "x"})
	np := readUntil(t, first, MsgTypeNowPlaying)
	assert.NotNil(t, np["track"])

	hub.PublishNowPlaying(nil)
	idle := readUntil(t, first, MsgTypeNowPlaying)
	assert.Nil(t, idle["track"])

	hub.PublishProducerEvent(sfu.ProducerEvent{Type: sfu.ProducerClosed, ProducerID: "p9"})
	closed := readUntil(t, first, MsgTypeProducerClosed)
	assert.Equal(t, "p9", closed["producerId"])

	hub.PublishQueue([]model.TrackView{{ID: 1}, {ID: 2}})
	assert.Len(t, readUntil(t, first, MsgTypeQueueUpdate)["queue"], 2)

	second.Close()
	left := readUntil(t, first, MsgTypeClientCount)
	assert.EqualValues(t, 1, left["count"])
	assert.Equal(t, 1, hub.ClientCount())

	eng.mu.Lock()
	assert.Contains(t, eng.released, secondID)
	eng.mu.Unlock()

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(counts) == 3
	}, time.Second, 10*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2, 1}, counts)
}

func TestDecodeInbound(t *testing.T) {
	msg, err := DecodeInbound([]byte(`{"type":"connect_transport","dtlsParameters":{"role":"client","fingerprints":[]},"iceParameters":{"usernameFragment":"u","password":"p"}}`))
	require.NoError(t, err)
	ct, ok := msg.(ConnectTransport)
	require.True(t, ok)
	assert.Equal(t, "client", ct.DTLSParameters.Role)
	require.NotNil(t, ct.ICEParameters)
	assert.Equal(t, "u", ct.ICEParameters.UsernameFragment)

	msg, err = DecodeInbound([]byte(`{"type":"nope"}`))
	require.NoError(t, err)
	assert.Equal(t, Unrecognized{Type: "nope"}, msg)

	_, err = DecodeInbound([]byte(`{`))
	assert.Error(t, err)
}
