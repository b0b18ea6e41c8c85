// Package convcache keeps recently loaded conversations in memory so that
// switching back to a conversation does not refetch its messages.
//
// Entries expire after a TTL and the cache is bounded by size; inserts evict
// expired entries first and then the oldest ones. Values are cloned on the
// way in and out, so callers never share a snapshot with the cache.
package convcache
