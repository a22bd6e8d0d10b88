package broker

import "errors"

// ErrCircuitOpen is returned by CircuitBreakerBroker when the underlying
// breaker is open and a call fails fast without attempting the network
// round trip.
var ErrCircuitOpen = errors.New("broker circuit breaker is open")

// ErrNotConnected is returned by an adapter when an operation is attempted
// before a session has been established.
var ErrNotConnected = errors.New("broker session is not connected")
