// Package database provides connection management, schema migrations, foreign
// key handling, SQL data seeding, configuration types, logging, health checks,
// and related utilities built on top of Bun. The session engine layers its
// persistence context on top of the connections managed here.
package database
