package domain

// ProxyEndpoint is one upstream proxy address with routing metadata.
type ProxyEndpoint struct {
	URL    string
	Region string
}

// ProxyPool yields endpoints with health tracking. Select must be cheap and
// lock-free in the hot path; Report feeds health back asynchronously.
type ProxyPool interface {
	Select(domain string) (ProxyEndpoint, error)
	Report(endpoint ProxyEndpoint, outcome Outcome)
}
