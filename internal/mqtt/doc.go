// Package mqtt mirrors insight job progress to an MQTT broker so that
// dashboards and home automation can follow long-running jobs without
// polling the API.
//
// The publisher uses Eclipse Paho v2's [autopaho] package for
// connection management with automatic reconnection. On every
// (re-)connect it publishes a retained birth message ("online") to the
// availability topic; a will message flips it to "offline" on
// unexpected disconnects. Progress events are queued without blocking
// the engine and dropped when the queue is full.
package mqtt
