// Package store keeps an audit ledger of bridge activity in SQLite.
//
// Every answered turn becomes an inbound prompt event and an outbound reply
// event; silent forwards, history imports and commands are recorded with their
// own event types. Events are keyed by the conversation identity key and, when
// known, the OpenCode session id.
//
// The ledger is append-only apart from PruneBefore, which enforces retention.
package store
