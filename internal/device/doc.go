// Package device defines the boundary to the Bluetooth Low Energy radio stack.
//
// The package provides:
//   - The Adapter / Client / Characteristic interfaces the rest of the
//     module is written against, so the core runs without a real radio
//   - The error taxonomy shared by all BLE consumers (AdapterError,
//     NotFoundError, ConnectionError sentinels)
//   - UUID and identity normalization helpers
//
// The go-ble backed implementation lives in the goble sub-package.
package device
