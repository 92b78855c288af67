// Package connectivity provides an in-process implementation of
// interfaces.ConnectivityMonitor.
//
// A Monitor holds a single Online/Offline flag. Applications that already
// know the network state (an OS reachability callback, a push connection
// going up or down) call Set directly. Others run Probe, which pings the
// messaging server periodically:
//
//	mon := connectivity.NewMonitor(false)
//	go mon.Probe(ctx, transport, 15*time.Second, 5*time.Second)
//
// Subscribers are called synchronously from Set, in the order the changes
// happened, and only when the state actually changes.
package connectivity
