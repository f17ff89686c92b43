package driver

import (
	"testing"
	"time"

	can "github.com/outlandnish/openinverter-can-gateway/pkg/can"
	_ "github.com/outlandnish/openinverter-can-gateway/pkg/can/virtual"
	"github.com/outlandnish/openinverter-can-gateway/pkg/coreerr"
	"github.com/stretchr/testify/assert"
)

func testDriver(t *testing.T, channel string) *Driver {
	d := New(Config{Interface: "virtualcan", Channel: channel, Baud: Baud500k}, nil)
	return d
}

func TestConfigureRejectsBadBaud(t *testing.T) {
	d := testDriver(t, "driver-cfg")
	err := d.Configure(Config{Interface: "virtualcan", Channel: "x", Baud: 12345})
	assert.ErrorIs(t, err, coreerr.ErrRateOutOfRange)
}

func TestOpenForScanThenSend(t *testing.T) {
	d := testDriver(t, "driver-scan")
	assert.NoError(t, d.OpenForScan())
	defer d.Close()
	stop := make(chan struct{})
	defer close(stop)
	go d.Pump(stop)
	assert.NoError(t, d.Send(can.Frame{ID: 0x601, DLC: 8}))
}

func TestSendBeforeOpenFails(t *testing.T) {
	d := testDriver(t, "driver-closed")
	err := d.Send(can.Frame{ID: 0x601})
	assert.ErrorIs(t, err, coreerr.ErrDriverClosed)
}

func TestRecvRoutesSdoResponse(t *testing.T) {
	channel := "driver-recv"
	d := testDriver(t, channel)
	assert.NoError(t, d.OpenForNode(1))
	defer d.Close()

	peer, _ := can.NewBus("virtualcan", channel, 0)
	assert.NoError(t, peer.Connect())
	defer peer.Disconnect()
	assert.NoError(t, peer.Send(can.Frame{ID: 0x581, DLC: 8}))

	f, ok := d.Recv(200 * time.Millisecond)
	assert.True(t, ok)
	assert.EqualValues(t, 0x581, f.ID)
}

func TestReopenSwitchesMode(t *testing.T) {
	d := testDriver(t, "driver-reopen")
	assert.NoError(t, d.OpenForScan())
	assert.Equal(t, ModeScan, d.mode)
	assert.NoError(t, d.OpenForNode(5))
	assert.Equal(t, ModeNode, d.mode)
	assert.NoError(t, d.Close())
}
