// Package gateway implements the per-request pipeline: match the request
// against the active route table, authenticate when the rule demands it,
// dispatch to the downstream and relay the answer. Each request walks an
// explicit state machine (Received, Matching, Authenticating, Dispatching and
// one of Completed, Rejected or Failed) and reads exactly one route table and
// one validator snapshot for its whole lifetime.
package gateway
