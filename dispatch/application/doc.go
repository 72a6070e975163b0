// Package application holds the use-case logic of the admission core:
// the timer scheduler, the generic bounded worker pool, and the
// per-endpoint admission algorithm. It depends only on
// admission-core/dispatch/domain — no net/http, no concrete transport,
// matching the teacher's application layer which depends only on its
// own domain package.
package application
