// Package api holds the wire types of the release HTTP API shared by the
// server in httpserver and the Go client in api/clients.
//
// Errors travel as ErrorResponse with a stable code per sentinel error of
// package interfaces, so clients can match them with errors.Is again.
package api
