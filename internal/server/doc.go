// Package server hosts linkd: the TCP/TLS accept loop, the WebSocket upgrade
// route, one endpoint per connection, directory publication on registration,
// and the admin HTTP routes.
package server
