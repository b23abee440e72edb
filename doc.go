// Package flashsale contains the shared types and helpers of the flash-sale
// stock reservation engine: the error taxonomy, configuration, the coordination
// node and persistence interfaces, UUID lock tokens, retry/sleep helpers and
// logging setup.
//
// The engine guarantees that, given an initial stock N seeded on the
// coordination nodes, the number of successfully reserved units never exceeds
// N, regardless of concurrency, process crashes, or single-node failures in
// the coordination layer. Reservation admission is decided against counters
// held on one or more Redis nodes; the durable store (see the cassandra
// package) remains the ground truth for how much was actually sold.
//
// Sub-packages:
//   - redis: go-redis backed coordination node (Lua scripted primitives).
//   - lock: single-node pessimistic lock.
//   - redlock: quorum (Redlock) lock over N independent nodes.
//   - inventory: stock operations and the reservation coordinator.
//   - cassandra: persistence collaborator (products, purchases).
//   - rules: CEL based purchase eligibility expressions.
//   - rest_api: gin HTTP surface.
package flashsale
