// Package redis offers the Redis-backed transaction request queue used when
// several daemon instances share one backlog.
package redis
