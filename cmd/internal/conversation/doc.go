// Package conversation owns the durable conversation log of the marketplace chat.
//
// A conversation is keyed by (item, buyer, seller) and holds an append-only,
// per-conversation ordered list of messages. Stores are safe for concurrent use;
// appends to the same key are serialized so sequence numbers have no gaps and
// sent timestamps never go backwards.
package conversation
