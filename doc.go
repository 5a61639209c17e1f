// Package cookiemonster ingests streams of update events about
// external data objects, accumulates per-object knowledge ("cookies"),
// and runs a priority-ordered production-rule system against each
// object whenever its knowledge changes.
//
// The data model lives in package 'core', the knowledge store and
// dirty queue in 'jar', rule evaluation and the worker pool in
// 'processor', the hot-reloading plugin registries in 'registry', and
// the daemon in 'cmd/cookiemonster'.
package cookiemonster
