// Package mqtt is the device's broker transport. [Client] wraps a
// low-level Eclipse Paho v2 client: each [Client.Connect] call is a
// single synchronous attempt over a fresh TCP connection, so retry
// policy stays with the caller. Session loss is reported by paho's
// error callbacks and surfaces through [Client.Connected] on the next
// supervisor tick.
//
// When an availability topic is configured, the client registers a
// retained "offline" will message and publishes a retained "online"
// birth message on every connect.
package mqtt
