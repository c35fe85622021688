/*
Package hashindex is the agent's change-detection store: a bbolt bucket
mapping each backed-up path to the digest, size, and mtime last
uploaded successfully. Decide implements the cheap-check-then-hash
policy so callers only pay for sha256 when size/mtime can't already
answer the question.
*/
package hashindex
