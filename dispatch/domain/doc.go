// Package domain defines the contracts and value types for the endpoint
// admission core: endpoint keys, request classes, operation state, the
// delegate and transport capabilities, and the worker-thread abstraction.
//
// Nothing here depends on net/http or on any concrete scheduler. The
// intention, as in the teacher's ratelimit/domain package, is to let
// application and infra build on pure contracts that can be unit tested
// in isolation from goroutines, channels and the network.
package domain
