// Package discovery defines route discovery requests and the seams the
// discovery manager uses: the Prober that puts requests on the radio, the
// Cache that remembers resolved routes and pending requests across
// restarts, and the RouteSink that receives terminal outcomes.
package discovery
