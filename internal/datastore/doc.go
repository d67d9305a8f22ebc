// Package datastore is the client facade over a key-value data store
// backend.
//
// A Client is bound to one store, identified by a storage.Handle, and turns
// every backend call into a retried operation whose outcome is delivered
// through an async.Result:
//
//	backend := storage.NewMemoryBackend()
//	h, _ := storage.NewHandle("players", "", nil)
//	c, err := datastore.New(ctx, backend, h)
//	if err != nil {
//	    return err
//	}
//	version, err := c.Set(ctx, "player_1", map[string]any{"coins": 10}, nil, storage.SetOptions{}).Wait()
//
// Reads, listings and version removal block the caller until the result
// settles. Writes (Set, Increment, Remove, Update) return the Result so the
// caller decides when to wait.
//
// Each attempt is retried up to five times with a fixed delay. Update hands
// the transform to the backend's atomic read-modify-write; the client never
// composes its own get-then-set. Errors the backend classifies as permanent
// are returned after the first attempt.
package datastore
