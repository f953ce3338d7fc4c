// ABOUTME: Package documentation for the Matrix platform adapter
// ABOUTME: Describes room classification and how edits and redactions are used

// Package matrix connects the bridge to a Matrix homeserver with mautrix.
//
// Rooms with at most two joined members are direct chats. Streaming updates
// are sent as m.replace edits and placeholders are removed by redaction.
package matrix
