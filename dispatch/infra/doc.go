// Package infra contains the concrete implementations the application
// layer depends on only through domain interfaces: the goroutine-backed
// WorkerThread, the two HTTP Transport implementations (session-based
// and per-connection), the log sink registry, and the in-memory/Redis
// StatsStore implementations.
//
// Mirrors the teacher's ratelimit/infra package: infra is where the
// third-party and runtime-specific dependencies live, never domain or
// application.
package infra
