package syncclient

// Route is the transport an outgoing event is sent over.
type Route int

const (
	RouteLocal Route = iota // applied on this machine only
	RouteRelay
	RouteLAN
)

func (r Route) String() string {
	switch r {
	case RouteRelay:
		return "relay"
	case RouteLAN:
		return "lan"
	default:
		return "local"
	}
}

// SelectRoute decides how an event leaves this client. It is evaluated for
// every send: the relay when it is connected and authenticated, otherwise
// LAN broadcast when enabled, otherwise nothing leaves the machine.
func SelectRoute(relayConfigured, relayReady, lanEnabled bool) Route {
	switch {
	case relayConfigured && relayReady:
		return RouteRelay
	case lanEnabled:
		return RouteLAN
	default:
		return RouteLocal
	}
}
