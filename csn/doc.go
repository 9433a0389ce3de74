// Package csn implements change sequence numbers: the per-replica logical
// clock used to order directory writes. It includes:
//   - CSN: a single stamped value, comparable lexicographically
//   - Generator: strictly increasing CSNs for one server id
//   - Set: an immutable per-sid collection (the shape of a contextCSN)
//   - Vector: a read-mostly, lock-guarded Set that only moves forward
package csn
