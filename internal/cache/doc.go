// Package cache is the Data Cache: one Dao per entity id holding the scope
// documents the coordinator has read or written for that entity.
//
// A Dao loads scopes lazily from a Reader and memoizes them, including the
// fact that an entity has no document yet. Writes go to the Dao first and
// then to storage, so the Dao is always at least as new as the store.
//
// Entries are evicted by Sweep once they have been idle longer than the TTL
// and no session references their entity. The cache does no locking of its
// own beyond keeping its maps consistent; callers serialise Sweep with
// handler execution.
package cache
