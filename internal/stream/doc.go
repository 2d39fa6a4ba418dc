// Package stream pushes live metrics to websocket clients.
//
// Clients pick metric types and an update interval (at least 100ms) through
// query parameters or subscribe messages. Subscribe messages may also carry
// filters matched against the top-level fields of pushed data. Periodic
// updates respect the interval while alerts go out immediately. Each
// connection has a bounded send queue; messages for a full queue are dropped
// and counted. Inbound messages are rate limited per connection.
package stream
