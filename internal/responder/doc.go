// Package responder produces the upstream reply to a caller transcript.
// Template fills an instructions template locally; HTTPClient asks an external
// answer service, retrying with exponential backoff under a concurrency limit.
package responder
