// Package conversation runs the prompt/reply exchange for each admitted chat message.
//
// # Turns
//
// A Turn is resolved to an OpenCode session first. Turns that should not be
// answered are forwarded with noReply so the session keeps the context, and
// nothing is posted to chat.
//
// Answered turns queue behind earlier turns of the same session:
//
//  1. A placeholder is posted after the thinking delay and registered with the relay
//  2. The prompt is submitted and the session is polled until the reply is stable
//  3. The relay slot is sealed and the session read one final time
//  4. The reply replaces the placeholder, or is posted as a new message
//
// # Outcomes
//
// Every turn ends as replied, timeout, no_reply, error or silent. Outcomes go to
// the Observer and, when configured, a TurnRecorder.
package conversation
