// Package policy loads the rate limit tables for the mutation and API stores.
//
// A policy document is YAML with two optional sections, mutation and api,
// each mapping action names to {max_requests, window}. A missing section
// falls back to the built-in defaults for that store; an explicitly empty
// section leaves every action in that store unrestricted.
//
// Documents are loaded once at startup from a local file, an SSM parameter
// or an S3 object. S3 documents may carry a detached KMS signature.
package policy
