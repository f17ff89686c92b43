// Package broker implements the Session Broker (C8, spec.md §4.8): it
// maps client sessions to in-flight SDO/firmware/periodic operations,
// dispatches inbound tagged actions, and broadcasts asynchronous events.
// Generalizes the teacher's pkg/gateway/gateway.go BaseGateway (one
// process-global default network/node) into a per-session registry, and
// follows the teacher's "untyped payload -> explicit variant" redesign
// note (spec.md §9) for the inbound action union.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	can "github.com/outlandnish/openinverter-can-gateway/pkg/can"
	"github.com/outlandnish/openinverter-can-gateway/pkg/controlframe"
	"github.com/outlandnish/openinverter-can-gateway/pkg/coreerr"
	"github.com/outlandnish/openinverter-can-gateway/pkg/device"
	"github.com/outlandnish/openinverter-can-gateway/pkg/driver"
	"github.com/outlandnish/openinverter-can-gateway/pkg/firmware"
	"github.com/outlandnish/openinverter-can-gateway/pkg/queues"
	"github.com/outlandnish/openinverter-can-gateway/pkg/scanner"
	"github.com/outlandnish/openinverter-can-gateway/pkg/scheduler"
	"github.com/outlandnish/openinverter-can-gateway/pkg/sdo"
	"github.com/outlandnish/openinverter-can-gateway/pkg/store"
)

// fmtSerial renders a node's raw identity-object serial number as the
// catalog key spec.md §3 expects devices to be keyed by.
func fmtSerial(serial uint32) string {
	return fmt.Sprintf("%08X", serial)
}

// Gateway-private object dictionary conventions for actions spec.md
// describes only behaviorally.
const (
	paramBaseIndex  = 0x2100
	nodeIdIndex     = 0x2000
	saveIndex       = 0x1010
	loadIndex       = 0x1011
	loadDefaultsSub = 0x01
	resetIndex      = 0x2001
	errorLogIndex   = 0x1003

	firmwareDataCanId = 0x7F0

	spotValuesMinMs = 100
	spotValuesMaxMs = 10000
)

// OutboundEvent is the tagged JSON object streamed to clients (spec.md
// §6): `{event, requestId?, data}`.
type OutboundEvent struct {
	Event     string `json:"event"`
	RequestId *uint32 `json:"requestId,omitempty"`
	Data      any    `json:"data,omitempty"`
}

// Session is a connected client's state: its outbound sink and whatever
// node it is currently bound to.
type Session struct {
	ID     string
	Send   func(OutboundEvent) error
	mu     sync.Mutex
	nodeId *uint8
	serial string
	stops  map[string]func()
}

func newSession(id string, send func(OutboundEvent) error) *Session {
	return &Session{ID: id, Send: send, stops: make(map[string]func())}
}

func (s *Session) setCancel(key string, cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prior, ok := s.stops[key]; ok {
		prior()
	}
	s.stops[key] = cancel
}

func (s *Session) clearCancel(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cancel, ok := s.stops[key]; ok {
		cancel()
		delete(s.stops, key)
	}
}

// Broker is the C8 Session Broker.
type Broker struct {
	driver   *driver.Driver
	tr       *sdo.Transactor
	sched    *scheduler.Scheduler
	scan     *scanner.Scanner
	fw       *firmware.Engine
	store    *store.Store
	log      *logrus.Entry

	mu       sync.Mutex
	sessions map[string]*Session

	reqCounter uint32
}

func New(d *driver.Driver, tr *sdo.Transactor, sched *scheduler.Scheduler, sc *scanner.Scanner, fw *firmware.Engine, st *store.Store, log *logrus.Entry) *Broker {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Broker{
		driver: d, tr: tr, sched: sched, scan: sc, fw: fw, store: st, log: log,
		sessions: make(map[string]*Session),
	}
}

// BindScanner attaches the scanner after construction, breaking the
// construction cycle: the scanner needs the broker as its Events sink,
// and the broker wants a scanner reference for startScan/stopScan.
func (b *Broker) BindScanner(sc *scanner.Scanner) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.scan = sc
}

func (b *Broker) broadcast(event string, data any) {
	b.mu.Lock()
	sessions := make([]*Session, 0, len(b.sessions))
	for _, s := range b.sessions {
		sessions = append(sessions, s)
	}
	b.mu.Unlock()
	for _, s := range sessions {
		_ = s.Send(OutboundEvent{Event: event, Data: data})
	}
}

// DeviceDiscovered implements scanner.Events: newly discovered nodes are
// upserted into the device catalog, preserving any existing display name,
// and broadcast to every connected session.
func (b *Broker) DeviceDiscovered(d scanner.DeviceDiscovered) {
	serial := fmtSerial(d.Serial)
	name := ""
	if existing, ok := b.store.Device(serial); ok {
		name = existing.Name
	}
	rec := device.Device{Serial: serial, NodeId: uint8(d.NodeId), LastSeen: d.LastSeen.Unix(), Name: name}
	if err := b.store.SetDevice(rec); err != nil {
		b.log.WithError(err).Warn("failed to persist discovered device")
	}
	b.broadcast("deviceDiscovered", rec)
}

// ScanStatus implements scanner.Events.
func (b *Broker) ScanStatus(s scanner.ScanStatus) {
	b.broadcast("scanStatus", map[string]any{"active": s.Active})
}

func (b *Broker) nextRequestId() uint32 {
	return atomic.AddUint32(&b.reqCounter, 1)
}

// Register creates a session for a newly connected client.
func (b *Broker) Register(id string, send func(OutboundEvent) error) *Session {
	s := newSession(id, send)
	b.mu.Lock()
	b.sessions[id] = s
	b.mu.Unlock()
	return s
}

// Unregister drops a session and cancels its in-flight operations.
func (b *Broker) Unregister(id string) {
	b.mu.Lock()
	s, ok := b.sessions[id]
	delete(b.sessions, id)
	b.mu.Unlock()
	if !ok {
		return
	}
	s.mu.Lock()
	for _, cancel := range s.stops {
		cancel()
	}
	s.mu.Unlock()
}

func emit(s *Session, reqId uint32, event string, data any) {
	_ = s.Send(OutboundEvent{Event: event, RequestId: &reqId, Data: data})
}

func emitError(s *Session, reqId uint32, event string, err error) {
	_ = s.Send(OutboundEvent{Event: event, RequestId: &reqId, Data: map[string]string{"error": err.Error()}})
}

// inbound is the parsed shape of every recognised action (spec.md §4.8),
// a sum type represented as one struct with action-specific optional
// fields, matching the teacher's GatewayRequest parsing style
// (pkg/gateway/http/parser.go) generalized from URL+JSON to pure JSON.
type inbound struct {
	Action string `json:"action"`

	Start *uint8 `json:"start,omitempty"`
	End   *uint8 `json:"end,omitempty"`

	Serial string  `json:"serial,omitempty"`
	NodeId *uint8  `json:"nodeId,omitempty"`
	Id     *uint32 `json:"id,omitempty"`

	ParamId  *uint16 `json:"paramId,omitempty"`
	Value    *uint32 `json:"value,omitempty"`
	ParamIds []uint16 `json:"paramIds,omitempty"`

	IntervalMs *int `json:"intervalMs,omitempty"`

	CanId       *uint32 `json:"canId,omitempty"`
	Pot         *uint16 `json:"pot,omitempty"`
	Pot2        *uint16 `json:"pot2,omitempty"`
	CanIo       *uint8  `json:"canio,omitempty"`
	CruiseSpeed *uint16 `json:"cruisespeed,omitempty"`
	RegenPreset *uint8  `json:"regenpreset,omitempty"`
	Interval    *int    `json:"interval,omitempty"`
	UseCrc      *bool   `json:"useCrc,omitempty"`

	IntervalId string `json:"intervalId,omitempty"`
	Data       []byte `json:"data,omitempty"`

	Name string `json:"name,omitempty"`
}

// Dispatch parses and executes one inbound action for session. A
// malformed or unrecognised action is rejected with an `actionError`
// event rather than silently ignored (spec.md §9).
func (b *Broker) Dispatch(s *Session, raw []byte) {
	reqId := b.nextRequestId()

	var in inbound
	if err := json.Unmarshal(raw, &in); err != nil {
		emitError(s, reqId, "actionError", fmt.Errorf("malformed action: %w", err))
		return
	}

	ctx := context.Background()

	switch in.Action {
	case "startScan":
		// pkg/store's scan.start/scan.end are authoritative (spec.md §9 Open
		// Question decision); an explicit start/end in the action overrides
		// them for this one scan without persisting the override.
		start, end := b.store.ScanRange()
		if in.Start != nil {
			start = *in.Start
		}
		if in.End != nil {
			end = *in.End
		}
		b.scan.Start(start, end, 20*time.Millisecond)

	case "stopScan":
		b.scan.Stop()

	case "connect":
		nodeId := uint8(0)
		if in.NodeId != nil {
			nodeId = *in.NodeId
		}
		if err := b.driver.OpenForNode(nodeId); err != nil {
			emitError(s, reqId, "connectError", err)
			return
		}
		s.mu.Lock()
		s.nodeId = &nodeId
		s.serial = in.Serial
		s.mu.Unlock()
		emit(s, reqId, "connected", map[string]any{"serial": in.Serial, "nodeId": nodeId})

	case "disconnect":
		s.mu.Lock()
		s.nodeId = nil
		s.serial = ""
		s.mu.Unlock()
		_ = b.driver.OpenForScan()
		emit(s, reqId, "disconnected", nil)

	case "getNodeId":
		node, err := b.boundNode(s, in.NodeId)
		if err != nil {
			emitError(s, reqId, "nodeIdError", err)
			return
		}
		v, err := b.tr.ReadExpedited(ctx, node, nodeIdIndex, 0, 50*time.Millisecond)
		if err != nil {
			emitError(s, reqId, "nodeIdError", err)
			return
		}
		emit(s, reqId, "nodeIdInfo", map[string]any{"nodeId": v})

	case "setNodeId":
		node, err := b.boundNode(s, in.NodeId)
		if err != nil {
			emitError(s, reqId, "nodeIdError", err)
			return
		}
		if in.Id == nil {
			emitError(s, reqId, "nodeIdError", coreerr.ErrInvalidFrame)
			return
		}
		if err := b.tr.WriteExpedited(ctx, node, nodeIdIndex, 0, *in.Id, 1, 50*time.Millisecond); err != nil {
			emitError(s, reqId, "nodeIdError", err)
			return
		}
		emit(s, reqId, "nodeIdSet", map[string]any{"nodeId": *in.Id})

	case "updateParam":
		node, err := b.boundNode(s, in.NodeId)
		if err != nil {
			emitError(s, reqId, "paramUpdateError", err)
			return
		}
		if in.ParamId == nil || in.Value == nil {
			emitError(s, reqId, "paramUpdateError", coreerr.ErrInvalidFrame)
			return
		}
		if err := b.tr.WriteExpedited(ctx, node, paramBaseIndex, uint8(*in.ParamId), *in.Value, 4, 50*time.Millisecond); err != nil {
			emitError(s, reqId, "paramUpdateError", err)
			return
		}
		emit(s, reqId, "paramUpdateSuccess", map[string]any{"paramId": *in.ParamId, "value": *in.Value})

	case "readParam":
		node, err := b.boundNode(s, in.NodeId)
		if err != nil {
			emitError(s, reqId, "paramUpdateError", err)
			return
		}
		if in.ParamId == nil {
			emitError(s, reqId, "paramUpdateError", coreerr.ErrInvalidFrame)
			return
		}
		v, err := b.tr.ReadExpedited(ctx, node, paramBaseIndex, uint8(*in.ParamId), 50*time.Millisecond)
		if err != nil {
			emitError(s, reqId, "paramUpdateError", err)
			return
		}
		emit(s, reqId, "paramUpdateSuccess", map[string]any{"paramId": *in.ParamId, "value": v})

	case "saveToFlash":
		node, err := b.boundNode(s, in.NodeId)
		if err != nil {
			emitError(s, reqId, "saveToFlashError", err)
			return
		}
		if err := b.tr.WriteExpedited(ctx, node, saveIndex, 1, 0x65766173, 4, 200*time.Millisecond); err != nil {
			emitError(s, reqId, "saveToFlashError", err)
			return
		}
		emit(s, reqId, "saveToFlashSuccess", nil)

	case "loadFromFlash":
		node, err := b.boundNode(s, in.NodeId)
		if err != nil {
			emitError(s, reqId, "saveToFlashError", err)
			return
		}
		if err := b.tr.WriteExpedited(ctx, node, loadIndex, 1, 0x64616F6C, 4, 200*time.Millisecond); err != nil {
			emitError(s, reqId, "saveToFlashError", err)
			return
		}
		emit(s, reqId, "saveToFlashSuccess", nil)

	case "loadDefaults":
		node, err := b.boundNode(s, in.NodeId)
		if err != nil {
			emitError(s, reqId, "saveToFlashError", err)
			return
		}
		if err := b.tr.WriteExpedited(ctx, node, loadIndex, loadDefaultsSub, 0x64616F6C, 4, 200*time.Millisecond); err != nil {
			emitError(s, reqId, "saveToFlashError", err)
			return
		}
		emit(s, reqId, "saveToFlashSuccess", nil)

	case "resetDevice":
		node, err := b.boundNode(s, in.NodeId)
		if err != nil {
			emitError(s, reqId, "saveToFlashError", err)
			return
		}
		_ = b.tr.WriteExpedited(ctx, node, resetIndex, 0, 1, 1, 200*time.Millisecond)

	case "listErrors":
		node, err := b.boundNode(s, in.NodeId)
		if err != nil {
			emitError(s, reqId, "listErrorsError", err)
			return
		}
		data, err := b.tr.ReadSegmented(ctx, node, errorLogIndex, 0, 200*time.Millisecond)
		if err != nil {
			emitError(s, reqId, "listErrorsError", err)
			return
		}
		emit(s, reqId, "listErrorsSuccess", map[string]any{"errors": data})

	case "startSpotValues":
		node, err := b.boundNode(s, in.NodeId)
		if err != nil {
			emitError(s, reqId, "paramUpdateError", err)
			return
		}
		interval := clamp(intervalOr(in.IntervalMs, spotValuesMinMs), spotValuesMinMs, spotValuesMaxMs)
		b.startSpotValues(s, node, in.ParamIds, interval)
		emit(s, reqId, "spotValuesStatus", map[string]any{"active": true})

	case "stopSpotValues":
		s.clearCancel("spotValues")
		emit(s, reqId, "spotValuesStatus", map[string]any{"active": false})

	case "startCanIoInterval":
		if err := b.startCanIoInterval(s, in); err != nil {
			emitError(s, reqId, "canIoIntervalStatus", err)
			return
		}
		emit(s, reqId, "canIoIntervalStatus", map[string]any{"active": true})

	case "stopCanIoInterval":
		_ = b.sched.Stop(canIoJobId(s))
		emit(s, reqId, "canIoIntervalStatus", map[string]any{"active": false})

	case "updateCanIoFlags":
		err := b.sched.UpdateControl(canIoJobId(s), func(st *controlframe.ControlState) {
			applyCanIoFields(st, in)
		})
		if err != nil {
			emitError(s, reqId, "canIoIntervalStatus", err)
			return
		}
		emit(s, reqId, "canIoIntervalStatus", map[string]any{"active": true})

	case "sendCanMessage":
		if in.CanId == nil {
			emitError(s, reqId, "actionError", coreerr.ErrInvalidFrame)
			return
		}
		var data [8]byte
		n := copy(data[:], in.Data)
		if err := b.driver.Send(can.Frame{ID: *in.CanId, DLC: uint8(n), Data: data}); err != nil {
			emitError(s, reqId, "actionError", err)
			return
		}
		emit(s, reqId, "canMessageSent", map[string]any{"canId": *in.CanId})

	case "startCanInterval":
		if in.CanId == nil || in.Interval == nil {
			emitError(s, reqId, "actionError", coreerr.ErrInvalidFrame)
			return
		}
		var data [8]byte
		n := copy(data[:], in.Data)
		jobId := canIntervalJobId(s, in.IntervalId)
		if err := b.sched.StartRaw(jobId, *in.CanId, data, uint8(n), *in.Interval); err != nil {
			emitError(s, reqId, "actionError", err)
			return
		}

	case "stopCanInterval":
		_ = b.sched.Stop(canIntervalJobId(s, in.IntervalId))

	case "setDeviceName", "renameDevice":
		if err := b.store.SetDevice(device.Device{Serial: in.Serial, Name: in.Name, NodeId: nodeIdOr(in.NodeId)}); err != nil {
			emitError(s, reqId, "actionError", err)
			return
		}
		event := "deviceNameSet"
		if in.Action == "renameDevice" {
			event = "deviceRenamed"
		}
		emit(s, reqId, event, map[string]any{"serial": in.Serial, "name": in.Name})
		b.emitSavedDevices(s, reqId)

	case "deleteDevice":
		if err := b.store.DeleteDevice(in.Serial); err != nil {
			emitError(s, reqId, "actionError", err)
			return
		}
		emit(s, reqId, "deviceDeleted", map[string]any{"serial": in.Serial})
		b.emitSavedDevices(s, reqId)

	default:
		emitError(s, reqId, "actionError", fmt.Errorf("unknown action %q", in.Action))
	}
}

func (b *Broker) boundNode(s *Session, override *uint8) (sdo.NodeId, error) {
	if override != nil {
		return sdo.NodeId(*override), nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.nodeId == nil {
		return 0, coreerr.ErrNotConnected
	}
	return sdo.NodeId(*s.nodeId), nil
}

func (b *Broker) emitSavedDevices(s *Session, reqId uint32) {
	emit(s, reqId, "savedDevices", b.store.Devices())
}

func intervalOr(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}

func nodeIdOr(v *uint8) uint8 {
	if v == nil {
		return 0
	}
	return *v
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func canIoJobId(s *Session) string      { return "canio:" + s.ID }
func canIntervalJobId(s *Session, id string) string { return "caninterval:" + s.ID + ":" + id }

func (b *Broker) startCanIoInterval(s *Session, in inbound) error {
	if in.CanId == nil || in.Interval == nil {
		return coreerr.ErrInvalidFrame
	}
	var st controlframe.ControlState
	applyCanIoFields(&st, in)
	_ = b.sched.Stop(canIoJobId(s))
	return b.sched.StartControl(canIoJobId(s), *in.CanId, st, *in.Interval)
}

func applyCanIoFields(st *controlframe.ControlState, in inbound) {
	if in.Pot != nil {
		st.Pot = *in.Pot
	}
	if in.Pot2 != nil {
		st.Pot2 = *in.Pot2
	}
	if in.CanIo != nil {
		st.Flags = *in.CanIo
	}
	if in.CruiseSpeed != nil {
		st.CruiseSpeed = *in.CruiseSpeed
	}
	if in.RegenPreset != nil {
		st.RegenPreset = *in.RegenPreset
	}
	if in.UseCrc != nil {
		st.UseCrc = *in.UseCrc
	}
}

func (b *Broker) startSpotValues(s *Session, node sdo.NodeId, paramIds []uint16, intervalMs int) {
	ctx, cancel := context.WithCancel(context.Background())
	s.setCancel("spotValues", cancel)
	go func() {
		ticker := time.NewTicker(time.Duration(intervalMs) * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				values := make(map[uint16]uint32, len(paramIds))
				for _, p := range paramIds {
					v, err := b.tr.ReadExpedited(ctx, node, paramBaseIndex, uint8(p), 50*time.Millisecond)
					if err == nil {
						values[p] = v
					}
				}
				_ = s.Send(OutboundEvent{Event: "spotValues", Data: map[string]any{
					"timestamp": time.Now().UnixMilli(),
					"values":    values,
				}})
			}
		}
	}()
}

// firmwareEvents adapts a Session into firmware.Events, so firmware
// progress/outcome is streamed back through the same broker session.
type firmwareEvents struct {
	s *Session
}

func (f firmwareEvents) OtaProgress(percent int) {
	_ = f.s.Send(OutboundEvent{Event: "otaProgress", Data: map[string]any{"percent": percent}})
}
func (f firmwareEvents) OtaSuccess() {
	_ = f.s.Send(OutboundEvent{Event: "otaSuccess"})
}
func (f firmwareEvents) OtaError(reason string) {
	_ = f.s.Send(OutboundEvent{Event: "otaError", Data: map[string]string{"reason": reason}})
}

// StartFirmwareUpdate wires a Session to the firmware engine's event
// sink and begins streaming image. It's reachable as an ambient
// operation alongside the tagged action set (the client surface for
// triggering it — a multipart upload, for instance — is out of scope).
func (b *Broker) StartFirmwareUpdate(s *Session, image []byte, pageSize int) error {
	node, err := b.boundNode(s, nil)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.setCancel("firmware", cancel)
	b.fw = firmware.New(b.tr, b.sched, firmwareDataCanId, firmwareEvents{s: s}, b.log)
	b.fw.Start(ctx, node, image, pageSize)
	return nil
}

// FrameQueues exposes the driver's frame queues, for wiring a raw-frame
// monitor subscription from outside the package.
func (b *Broker) FrameQueues() *queues.Queues {
	return b.driver.Queues()
}
