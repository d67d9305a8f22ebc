// Package async provides Result, a single-assignment future.
//
// A Result starts pending and settles exactly once, either fulfilled with a
// value or rejected with an error. Callers block on Wait or Await, or attach
// continuations with OnSuccess, OnFailure and Then. Settling never cancels
// the work that produces the value.
package async
