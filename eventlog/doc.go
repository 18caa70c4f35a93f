// Package eventlog persists security events to Postgres. It is the
// durable counterpart of the in-process audit dispatcher: [Sink] plugs
// into the engine as an audit sink, [Store] is the append-and-query
// surface for admin tooling.
//
// The table is append-only. Nothing in this package updates or deletes
// rows; retention is a DBA concern, typically a partition-drop job.
package eventlog
