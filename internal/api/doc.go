// Package api exposes external interfaces for creating transaction flows,
// driving the confirmation handshake, and retrieving flow status and
// statistics. It hosts the REST server and the Prometheus metrics endpoint.
package api
