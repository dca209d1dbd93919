// Package repository provides a stateless session built on Bun: per-call CRUD,
// querying, pagination, and upsert without identity tracking or write queueing.
package repository
