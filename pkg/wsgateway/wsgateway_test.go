package wsgateway

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"

	_ "github.com/outlandnish/openinverter-can-gateway/pkg/can/virtual"
	"github.com/outlandnish/openinverter-can-gateway/pkg/broker"
	"github.com/outlandnish/openinverter-can-gateway/pkg/driver"
	"github.com/outlandnish/openinverter-can-gateway/pkg/firmware"
	"github.com/outlandnish/openinverter-can-gateway/pkg/scanner"
	"github.com/outlandnish/openinverter-can-gateway/pkg/scheduler"
	"github.com/outlandnish/openinverter-can-gateway/pkg/sdo"
	"github.com/outlandnish/openinverter-can-gateway/pkg/store"
)

type noopFwEvents struct{}

func (noopFwEvents) OtaProgress(int) {}
func (noopFwEvents) OtaSuccess()     {}
func (noopFwEvents) OtaError(string) {}

func testServer(t *testing.T) *Server {
	d := driver.New(driver.Config{Interface: "virtualcan", Channel: "ws-" + t.Name(), Baud: driver.Baud500k}, nil)
	assert.NoError(t, d.OpenForScan())
	stop := make(chan struct{})
	t.Cleanup(func() { close(stop); d.Close() })
	go d.Pump(stop)

	tr := sdo.New(d.Queues(), nil)
	sched := scheduler.New(d.Queues(), nil)
	t.Cleanup(sched.Close)

	st, err := store.Open(t.TempDir() + "/gateway.ini")
	assert.NoError(t, err)

	fw := firmware.New(tr, sched, 0x7F0, noopFwEvents{}, nil)
	br := broker.New(d, tr, sched, nil, fw, st, nil)
	sc := scanner.New(tr, br, nil)
	br.BindScanner(sc)

	return New(br, d, nil)
}

func TestHealthzReportsBusStatus(t *testing.T) {
	s := testServer(t)
	ts := httptest.NewServer(s.serveMux)
	defer ts.Close()

	resp, err := ts.Client().Get(ts.URL + "/healthz")
	assert.NoError(t, err)
	defer resp.Body.Close()
	var body map[string]any
	assert.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, false, body["busOff"])
}

func TestWebSocketActionErrorRoundTrip(t *testing.T) {
	s := testServer(t)
	ts := httptest.NewServer(s.serveMux)
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	assert.NoError(t, err)
	defer conn.Close()

	assert.NoError(t, conn.WriteJSON(map[string]string{"action": "bogus"}))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var ev broker.OutboundEvent
	assert.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "actionError", ev.Event)
}
