// Package device describes the wireless peripheral capability the gateway consumes.
//
// The package covers:
//   - Central scans and reports peripherals appearing and going away
//   - Peripheral connects, lists characteristics, sends commands and
//     delivers notifications through a non-blocking handler
//   - structured errors (ConnectionError, NotFoundError) shared by implementations
//
// The go-ble backed implementation lives in the go-ble subpackage.
package device
