// Package dtmodel contains the values that flow through a simulated cluster:
// a [Transaction] is accepted by a node, batched with others into an [Event],
// gossiped, and finally delivered to every node inside a [Round].
//
// All values are immutable once constructed.
// Constructors validate their input and return an error wrapping [ErrInvalidArgument]
// rather than coercing out-of-range values.
package dtmodel
