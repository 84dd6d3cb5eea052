package mcpmgr

// AsProcess narrows cfg to *ProcessTransport, returning (nil, false) when it
// does not match.
func AsProcess(cfg TransportConfig) (*ProcessTransport, bool) {
	c, ok := cfg.(*ProcessTransport)
	return c, ok
}

// EndpointOf returns the URL of a stream transport, or "" for processes.
func EndpointOf(cfg TransportConfig) string {
	switch c := cfg.(type) {
	case *EventStreamTransport:
		return c.URL
	case *StreamingHTTPTransport:
		return c.URL
	default:
		return ""
	}
}
