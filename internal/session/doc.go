// Package session implements the conversation state machine at the heart of
// the engine.
//
// # States
//
// A session moves between three states:
//
//   - Idle: no request outstanding
//   - Awaiting: a submit is in flight (busy=true)
//   - Error: the last attempt failed and the transcript was rolled back
//
// # Transitions
//
//   - BeginTurn: Idle -> Awaiting. Appends the finalized user turn and an
//     assistant placeholder in one synchronous step, so the transcript is
//     self-consistent at the instant the network call suspends.
//   - StreamChunk: Awaiting -> Awaiting. Replaces the placeholder content
//     with the accumulated text so far.
//   - CompleteSuccess: Awaiting -> Idle. Finalizes the placeholder.
//   - CompleteFailure: Awaiting -> Error. Removes the placeholder and the
//     preceding user turn, appends a system message with the error text.
//   - TransportError: Awaiting -> Idle. Clears busy only; the placeholder
//     remains visible so the condition is observable.
//
// # Identity matching
//
// Every in-flight result is matched to its placeholder by message ID, never
// by list position. A result landing after Clear or SetContext removed the
// placeholder is discarded, which is what makes clearing during an
// outstanding request safe without cancellation.
//
// # Invariant
//
// At most one message carries a transient querying/streaming flag, and while
// set it is always the last element of the transcript.
package session
