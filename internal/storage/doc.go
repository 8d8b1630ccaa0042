// Package storage keeps an append-only audit journal of scheduler activity:
// autoscaler decisions, job faults, emergency stops and periodic per-class
// stats rollups.
//
// The journal is write-only from the daemon's point of view; nothing is read
// back to restore scheduler state on restart.
package storage
