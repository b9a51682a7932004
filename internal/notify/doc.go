// Package notify forwards changelog entries from the event bus to
// external message brokers.
//
// The MQTT sink uses Eclipse Paho v2's [autopaho] package for connection
// management with automatic reconnection; entries are published to
// <prefix>/changelog and a will message marks <prefix>/availability
// "offline" on unexpected disconnects. The NATS sink publishes to
// <prefix>.changelog. Both sinks are optional and enabled by their
// config sections.
package notify
