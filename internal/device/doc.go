// Package device holds the peripheral model shared by the connection core and
// the radio adapters.
//
// It defines:
//   - Device identity and the observable ConnectionState
//   - the Transport, Peripheral and Events contracts a radio stack implements
//   - the Listener contract observers implement
//   - connection error values usable with errors.Is
package device
