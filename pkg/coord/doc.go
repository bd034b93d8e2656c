// Package coord wraps the Redis coordination store that holds
// everything transient: the priority queue, the active task set,
// progress snapshots, event rings, rate limit counters and issued
// API key records.
//
// # Key Layout
//
//	ratelimit:{ip}     fixed-window request counter, 60s TTL
//	progress:{id}      JSON progress snapshot, 7d TTL
//	events:{id}        list of JSON lifecycle events, capped, 7d TTL
//	active_tasks       set of task IDs claimed by workers
//	task_queue         sorted set, score encodes priority and attempts
//	apikey:{key_id}    JSON API key record, TTL tied to expiry
//
// # Resilience
//
// Operations retry transient failures (3 attempts, 100ms base,
// doubling). JSON writes are mirrored into a local expirable LRU
// (1000 entries, 1h TTL); when Redis is unreachable, reads serve the
// cached copy so status endpoints degrade instead of failing:
//
//	             ┌──────────┐   miss/err   ┌───────────────┐
//	 GetJSON ───▶│  Redis   │─────────────▶│ fallback LRU  │
//	             └──────────┘              └───────────────┘
//
// The database remains the system of record; nothing in this package
// is authoritative for task state.
package coord
