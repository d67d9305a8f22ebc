// Package natsstore implements the storage contracts on NATS JetStream
// key-value buckets.
//
// Each store handle maps to one bucket. Bucket revisions are the versions:
// removing a key writes a delete marker and earlier revisions stay readable
// for as long as the bucket's history keeps them. Values travel in a small
// JSON envelope that also carries user ids, metadata and the key's creation
// time. Update is a compare-and-set loop on the bucket revision.
package natsstore
