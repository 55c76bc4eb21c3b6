// Package allocator solves one horizon step of the water allocation
// problem: a feasible flow that respects every bound, split ratio and loss
// factor of the network and, among those, the one of least cost.
//
// The network is expanded into a residual graph in which every node is
// split into an inlet and an outlet joined by a throughput arc. A super
// source offers each supply point's water (river inflow, reservoir stock,
// captured return water) and every end use drains into a super sink.
// Successive shortest augmenting paths, found with a bounded Bellman-Ford
// search, move water until no path remains. Arcs carry a gain so that
// conduit losses and junction splits are applied exactly along the path.
//
// Junction splits are fixed: pushing water through a junction sends its
// demand share onward along the path and injects its return share into the
// paired ReturnInput, from where the captured part becomes supply at the
// matching ReturnOutput. Junction arcs are never reversed, so ratios stay
// fixed once water has passed.
package allocator
