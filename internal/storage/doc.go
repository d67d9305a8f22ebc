// Package storage defines the contract between the data store client and
// the backends it talks to, and provides an in-memory backend that models
// the remote service: every write produces a new version, removals leave
// earlier versions readable, reads can travel back to a point in time and
// keys are enumerated page by page. Update is an optimistic
// read-modify-write that re-invokes the transform when a concurrent writer
// wins the race.
package storage
