// Package topology defines the collector's model of the mesh.
//
// Agents report what they hear; the collector folds those reports into:
//   - Observation: the latest hop distance and signal for a (node, agent) pair
//   - DirectConnection: a one-hop link between two nodes as seen by an agent
//   - ResolvedRoute: the outcome of a route discovery, successful or not
//   - Agent: a registered reporting agent
//
// The Store interface answers topology, connection, reachability, route and
// shortest-path queries over that model. Implementations live in
// internal/topology.
package topology
