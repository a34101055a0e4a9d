// Package delivery defines the types shared by the agent's delivery path.
//
// The delivery path moves captured mesh events from the radio to every
// configured collector:
//   - Event: one normalised packet heard on the mesh
//   - Envelope: a batch of events (or resolved routes) bound for one destination
//   - Destination: a collector endpoint with priority, cadence, retry limit and filter
//   - Result: the outcome of one delivery attempt, fed to the health monitor
//   - Queue: durable per-destination storage with retry bookkeeping and dead-lettering
//   - Transport: the wire used to hand envelopes to a collector
//
// Implementations live under internal/queue, internal/delivery and internal/fanout.
package delivery
