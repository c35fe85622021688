// Package transport implements the agent-to-server wire protocol:
// JSON control calls and multipart uploads over plain net/http, with
// exponential-backoff retry on transient failures and a hard stop on
// authentication errors.
package transport
