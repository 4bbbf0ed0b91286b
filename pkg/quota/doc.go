// Package quota coordinates storage usage and quota across independent
// storage subsystems.
//
// A Manager owns a set of registered Clients, each reporting per-origin
// byte usage for one or more StorageClasses.  Queries are answered
// asynchronously: the Manager fans out to every client registered for the
// class, sums their replies, and hands the result to a callback.
// Concurrent identical queries share one fan-out.
//
// All bookkeeping runs on a single goroutine owned by the Manager, and
// every callback is invoked on that goroutine.  Callbacks must not block,
// and so must not wait for Close to finish.  Hosts are case-insensitive.
// After Close returns no callback is invoked; operations issued after
// Close fail immediately with ErrAborted.
package quota
