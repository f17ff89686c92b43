// Package device holds the Device entity shared by the scanner, session
// broker and config store (spec.md §3): a node discovered on the bus,
// keyed by its firmware-reported serial number.
package device

// Device is created or refreshed on scanner discovery and written by the
// device-name actions; other SDO exchanges with the node do not update it.
type Device struct {
	Serial   string `json:"serial"`
	NodeId   uint8  `json:"nodeId"`
	LastSeen int64  `json:"lastSeen"` // unix seconds
	Name     string `json:"name"`
}
