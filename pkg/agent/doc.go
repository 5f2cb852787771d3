// Package agent runs one autonomous task session: a bounded multi-turn
// loop alternating model inference and tool execution until the model
// delivers its final report or the turn and retry budgets run out.
//
// The loop is strictly sequential: one inference attempt at a time,
// failing over across the configured provider/model pairs with
// rate-limit backoff. Tool calls requested by the model run inside the
// model-client call through the tool dispatcher, which bounds their
// fan-out. Every attempt and every tool call is recorded into the
// session's op tree and accounting stream, and every termination path
// ends with a typed exit code, a summary, a persisted snapshot and a
// billing flush.
package agent
