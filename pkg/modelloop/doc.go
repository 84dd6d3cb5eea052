// Package modelloop runs one model turn against an ordered list of model
// identifiers, falling back to the next model when a backend reports that it
// is overloaded.
//
// The loop is an explicit state machine. Each attempt starts in
// StateAttempting; a success moves it to StateSucceeded and any failure that
// cannot be retried moves it to StateExhaustedFatal. Between attempts the loop
// waits a fixed backoff through an injectable Sleeper so tests can observe the
// waits without spending wall-clock time.
//
// Tool calls requested by the model are not executed here. The caller runs
// them (see package chat) and starts a new turn with the results.
package modelloop
