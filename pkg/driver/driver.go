// Package driver implements the CAN Driver Facade (spec.md §4.1): it owns
// the hardware handle, switches acceptance-filter mode between scanning
// and normal node operation, and exposes the queues the rest of the core
// reads/writes through. Generalizes the teacher's BusManager (bus.go /
// bus_manager.go) down to exactly the operations spec.md names, since the
// NMT/heartbeat bookkeeping BusManager also carries is out of scope here.
package driver

import (
	"time"

	"github.com/sirupsen/logrus"

	can "github.com/outlandnish/openinverter-can-gateway/pkg/can"
	"github.com/outlandnish/openinverter-can-gateway/pkg/coreerr"
	"github.com/outlandnish/openinverter-can-gateway/pkg/queues"
)

// Baud is a supported controller bit rate.
type Baud int

const (
	Baud1M   Baud = 1000000
	Baud800k Baud = 800000
	Baud500k Baud = 500000
	Baud250k Baud = 250000
	Baud125k Baud = 125000
	Baud100k Baud = 100000
	Baud50k  Baud = 50000
	Baud20k  Baud = 20000
)

func (b Baud) valid() bool {
	switch b {
	case Baud1M, Baud800k, Baud500k, Baud250k, Baud125k, Baud100k, Baud50k, Baud20k:
		return true
	}
	return false
}

// Mode records how the bus was last opened: Scan for node discovery,
// Node for normal operation against one node. No acceptance filter is
// installed in either mode; every received frame is routed through the
// queues the same way.
type Mode int

const (
	ModeClosed Mode = iota
	ModeScan
	ModeNode
)

// Config is the set of parameters the facade is opened with.
type Config struct {
	Interface  string // "socketcan", "virtualcan", ...
	Channel    string
	Baud       Baud
	TxPin      int
	RxPin      int
	EnablePin  *int // optional
}

// Driver is the C1 CAN Driver Facade.
type Driver struct {
	cfg    Config
	bus    can.Bus
	queues *queues.Queues
	mode   Mode
	busOff bool
	log    *logrus.Entry
}

func New(cfg Config, log *logrus.Entry) *Driver {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Driver{cfg: cfg, queues: queues.New(), log: log}
}

// Configure validates the requested baud rate and stores pin assignments.
// It does not open the bus; callers open via OpenForScan/OpenForNode.
func (d *Driver) Configure(cfg Config) error {
	if !cfg.Baud.valid() {
		return coreerr.ErrRateOutOfRange
	}
	d.cfg = cfg
	return nil
}

// assertEnablePin is a no-op placeholder for the transceiver enable pin
// assertion spec.md requires ahead of every reconfigure; real hardware
// toggling lives behind can.Bus implementations, this only records intent.
func (d *Driver) assertEnablePin() {
	if d.cfg.EnablePin != nil {
		d.log.WithField("pin", *d.cfg.EnablePin).Debug("asserting transceiver enable pin")
	}
}

func (d *Driver) openAs(mode Mode) error {
	if d.mode != ModeClosed {
		if err := d.stop(); err != nil {
			return err
		}
	}
	d.assertEnablePin()
	bus, err := can.NewBus(d.cfg.Interface, d.cfg.Channel, int(d.cfg.Baud))
	if err != nil {
		return err
	}
	if err := bus.Subscribe(d.queues); err != nil {
		return err
	}
	if err := bus.Connect(); err != nil {
		return err
	}
	d.bus = bus
	d.mode = mode
	d.busOff = false
	return nil
}

// OpenForScan opens the bus accepting all frames.
func (d *Driver) OpenForScan() error {
	return d.openAs(ModeScan)
}

// OpenForNode reopens the bus in node mode. nodeId is not used: no
// acceptance filter is installed, so frames are routed exactly as in scan
// mode (SDO responses from any node reach the SDO-RX queue, everything
// else fans out to raw-RX subscribers).
func (d *Driver) OpenForNode(nodeId uint8) error {
	return d.openAs(ModeNode)
}

func (d *Driver) stop() error {
	if d.bus == nil {
		return nil
	}
	err := d.bus.Disconnect()
	d.bus = nil
	d.mode = ModeClosed
	return err
}

// Close shuts the driver down; further Send calls fail with DriverClosed
// (or BusOff, if a failed bus-off recovery was never followed by a
// reopen). Recv has no error result: it keeps returning any SDO frames
// still queued and otherwise times out.
func (d *Driver) Close() error {
	err := d.stop()
	d.queues.Close()
	return err
}

// Send enqueues frame for transmission. Fails with QueueFull if the TX
// queue doesn't drain promptly, DriverClosed if the bus isn't open, or
// BusOff if the controller has entered bus-off.
func (d *Driver) Send(frame can.Frame) error {
	if d.busOff {
		return coreerr.ErrBusOff
	}
	if d.mode == ModeClosed {
		return coreerr.ErrDriverClosed
	}
	return d.queues.Transmit(frame)
}

// Recv waits up to timeout for the next SDO-range response frame.
func (d *Driver) Recv(timeout time.Duration) (can.Frame, bool) {
	return d.queues.RecvSDO(timeout)
}

// Queues exposes the underlying frame queues for components (scheduler,
// scanner, firmware engine) that need TX/raw-RX access beyond Send/Recv.
func (d *Driver) Queues() *queues.Queues {
	return d.queues
}

// Pump drains the TX queue onto the bus until stop is closed. This is the
// Context A real-time pump spec.md §5 describes; callers run it in its
// own goroutine.
func (d *Driver) Pump(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case frame := <-d.queues.TX():
			if d.bus == nil {
				continue
			}
			if err := d.bus.Send(frame); err != nil {
				d.log.WithError(err).Warn("bus send failed, entering bus-off")
				d.busOff = true
				if err := d.recover(); err != nil {
					d.log.WithError(err).Error("automatic bus-off recovery failed")
				}
			}
		}
	}
}

// recover attempts the single automatic restart spec.md §7 mandates after
// a BusOff condition; failure leaves busOff set, reported on every
// subsequent action until reconfigured.
func (d *Driver) recover() error {
	mode := d.mode
	if err := d.stop(); err != nil {
		return err
	}
	if mode == ModeScan {
		return d.OpenForScan()
	}
	return d.openAs(mode)
}

// IsBusOff reports the persistent bus-off status.
func (d *Driver) IsBusOff() bool {
	return d.busOff
}
