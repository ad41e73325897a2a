// Package policy defines versioned compliance policy templates and their
// validation rules.
//
// A Template is a closed, declarative rule: an ordered list of typed
// conditions drawn from a fixed operator set, and an ordered list of actions
// drawn from a fixed action set. There is no embedded expression language.
//
// Lifecycle:
//
//	draft -> pending_approval -> active -> superseded
//	                  \             \
//	                   +-> archived  +-> archived
//
// Validation runs when a version is activated. Operator and field-type
// pairings, value shapes, action parameters, cron schedules and escalation
// tables are all checked; any problem yields a *SchemaError and the version
// never becomes active.
package policy
