// Package toolexecutor dispatches tool calls issued by the model
// during a turn. It owns the allow-list check, the per-turn call cap,
// the bounded-concurrency gate, per-call timeouts, response size
// capping, and the conversion of every failure into a tool-role
// message the model can read. Tools come from pluggable providers:
// remote stdio servers, declarative REST endpoints, the built-in
// agent tools, and delegated sub-agents.
package toolexecutor
