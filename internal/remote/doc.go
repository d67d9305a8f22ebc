// Package remote carries data store operations over gRPC.
//
// Server exposes any storage.Backend as the kvclient.datastore.v1.DataStore
// service; Backend and Store implement the storage contracts on the client
// side of the connection. Messages are google.protobuf.Struct values, so no
// generated code is needed. Update is a compare-and-set loop: the client
// reads, transforms locally and writes back only if the key is still at the
// version it read.
package remote
