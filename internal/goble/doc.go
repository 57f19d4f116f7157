// Package goble adapts the go-ble radio stack to the device.Transport and
// device.Peripheral contracts used by the connection core.
//
// A Transport owns the host radio and a registry of advertisements seen while
// scanning. Each Remote call returns a fresh peripheral handle; the handle
// dials in the background and reports link changes, discovery results and
// notifications through the device.Events it was connected with.
package goble
