// Package store implements the Config Store API (C9, spec.md §4.9): a
// durable key/value document for WiFi credentials, CAN configuration,
// scan range, the device catalog and persisted periodic jobs. Backed by
// gopkg.in/ini.v1, a genuine direct teacher dependency previously used
// only for EDS parsing (pkg/config, the flattened root od_parser.go) —
// repurposed here for the flat key/value document ini.v1 is built for,
// rather than dropped (see DESIGN.md).
package store

import (
	"fmt"
	"sync"

	"gopkg.in/ini.v1"

	"github.com/outlandnish/openinverter-can-gateway/pkg/coreerr"
	"github.com/outlandnish/openinverter-can-gateway/pkg/device"
)

const (
	sectionWifi     = "wifi"
	sectionCan      = "can"
	sectionScan     = "scan"
	deviceSection   = "devices"
	periodicSection = "periodic"
)

// PeriodicEntry is the persisted view of a recurring job, so it can be
// restored across restarts.
type PeriodicEntry struct {
	JobId    string
	CanId    uint32
	PeriodMs int
	Payload  string // hex-encoded raw payload, kind-specific decoding happens above this package
}

// Store is a single-writer, ini.v1-backed key/value document.
type Store struct {
	path string
	mu   sync.Mutex
	file *ini.File
}

// Open loads path, creating an empty document if it doesn't exist yet.
func Open(path string) (*Store, error) {
	file, err := ini.LooseLoad(path)
	if err != nil {
		return nil, err
	}
	return &Store{path: path, file: file}, nil
}

func (s *Store) save() error {
	return s.file.SaveTo(s.path)
}

// SetWifi persists WiFi credentials.
func (s *Store) SetWifi(ssid, psk string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sec := s.file.Section(sectionWifi)
	sec.Key("ssid").SetValue(ssid)
	sec.Key("psk").SetValue(psk)
	return s.save()
}

// Wifi returns the persisted WiFi credentials.
func (s *Store) Wifi() (ssid, psk string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sec := s.file.Section(sectionWifi)
	return sec.Key("ssid").String(), sec.Key("psk").String()
}

// SetCanConfig persists baud rate and pin mapping.
func (s *Store) SetCanConfig(baud int, rxPin, txPin int, enablePin *int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sec := s.file.Section(sectionCan)
	sec.Key("baud").SetValue(fmt.Sprintf("%d", baud))
	sec.Key("rxPin").SetValue(fmt.Sprintf("%d", rxPin))
	sec.Key("txPin").SetValue(fmt.Sprintf("%d", txPin))
	if enablePin != nil {
		sec.Key("enablePin").SetValue(fmt.Sprintf("%d", *enablePin))
	}
	return s.save()
}

// CanConfig returns the persisted CAN configuration.
func (s *Store) CanConfig() (baud, rxPin, txPin int, enablePin *int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sec := s.file.Section(sectionCan)
	baud, _ = sec.Key("baud").Int()
	rxPin, _ = sec.Key("rxPin").Int()
	txPin, _ = sec.Key("txPin").Int()
	if sec.HasKey("enablePin") {
		v, _ := sec.Key("enablePin").Int()
		enablePin = &v
	}
	return
}

// SetScanRange persists the scanner's authoritative node range (spec.md
// §9's Open Question resolution: config is the single source of truth).
func (s *Store) SetScanRange(start, end uint8) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sec := s.file.Section(sectionScan)
	sec.Key("start").SetValue(fmt.Sprintf("%d", start))
	sec.Key("end").SetValue(fmt.Sprintf("%d", end))
	return s.save()
}

// ScanRange returns the persisted scan range, defaulting to [1, 127] if
// unset.
func (s *Store) ScanRange() (start, end uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sec := s.file.Section(sectionScan)
	startInt, err1 := sec.Key("start").Int()
	endInt, err2 := sec.Key("end").Int()
	if err1 != nil || err2 != nil {
		return 1, 127
	}
	return uint8(startInt), uint8(endInt)
}

func deviceSectionName(serial string) string {
	return deviceSection + "." + serial
}

// SetDevice upserts a device catalog entry.
func (s *Store) SetDevice(d device.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sec := s.file.Section(deviceSectionName(d.Serial))
	sec.Key("name").SetValue(d.Name)
	sec.Key("nodeId").SetValue(fmt.Sprintf("%d", d.NodeId))
	sec.Key("lastSeen").SetValue(fmt.Sprintf("%d", d.LastSeen))
	return s.save()
}

// Device returns a persisted device catalog entry.
func (s *Store) Device(serial string) (device.Device, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	name := deviceSectionName(serial)
	if !s.file.HasSection(name) {
		return device.Device{}, false
	}
	sec := s.file.Section(name)
	nodeId, _ := sec.Key("nodeId").Int()
	lastSeen, _ := sec.Key("lastSeen").Int64()
	return device.Device{
		Serial:   serial,
		Name:     sec.Key("name").String(),
		NodeId:   uint8(nodeId),
		LastSeen: lastSeen,
	}, true
}

// DeleteDevice removes a device catalog entry.
func (s *Store) DeleteDevice(serial string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.file.DeleteSection(deviceSectionName(serial))
	return s.save()
}

// Devices returns every persisted device.
func (s *Store) Devices() []device.Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	prefix := deviceSection + "."
	var out []device.Device
	for _, sec := range s.file.Sections() {
		name := sec.Name()
		if len(name) <= len(prefix) || name[:len(prefix)] != prefix {
			continue
		}
		serial := name[len(prefix):]
		nodeId, _ := sec.Key("nodeId").Int()
		lastSeen, _ := sec.Key("lastSeen").Int64()
		out = append(out, device.Device{
			Serial:   serial,
			Name:     sec.Key("name").String(),
			NodeId:   uint8(nodeId),
			LastSeen: lastSeen,
		})
	}
	return out
}

func periodicSectionName(jobId string) string {
	return periodicSection + "." + jobId
}

// SetPeriodic persists a recurring job definition.
func (s *Store) SetPeriodic(p PeriodicEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sec := s.file.Section(periodicSectionName(p.JobId))
	sec.Key("canId").SetValue(fmt.Sprintf("%d", p.CanId))
	sec.Key("periodMs").SetValue(fmt.Sprintf("%d", p.PeriodMs))
	sec.Key("payload").SetValue(p.Payload)
	return s.save()
}

// DeletePeriodic removes a persisted periodic job definition.
func (s *Store) DeletePeriodic(jobId string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.file.DeleteSection(periodicSectionName(jobId))
	return s.save()
}

// RenameDevice updates only the display name of an existing device.
func (s *Store) RenameDevice(serial, name string) error {
	d, ok := s.Device(serial)
	if !ok {
		return coreerr.ErrUnknownNode
	}
	d.Name = name
	return s.SetDevice(d)
}
