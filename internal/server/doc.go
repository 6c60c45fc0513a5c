// Package server implements the relay's HTTP and WebSocket surface.
//
// The implementation is split into admission and draining (hub), the
// per-connection state machine (session), origin checks, routing and HTTP
// handlers. Room membership is kept by the registry package and document
// synchronization is delegated to a syncengine.Engine.
package server
