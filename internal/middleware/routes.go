package middleware

import "strings"

// otherRoute labels any path the API does not serve.
const otherRoute = "other"

// fixedRoutes are served at exactly these paths.
var fixedRoutes = map[string]bool{
	"/":           true,
	"/algorithms": true,
	"/executions": true,
	"/rank":       true,
	"/health":     true,
	"/ready":      true,
	"/metrics":    true,
}

// Route returns the route pattern serving path, such as "/executions/{id}/retry".
// Metric labels, span names and rate limit keys use it so their cardinality stays
// bounded no matter how many executions exist or what scanners request.
func Route(path string) string {
	if fixedRoutes[path] {
		return path
	}

	collection, rest, ok := strings.Cut(strings.TrimPrefix(path, "/"), "/")
	if !ok {
		return otherRoute
	}
	id, action, nested := strings.Cut(rest, "/")
	if id == "" {
		return otherRoute
	}

	switch {
	case collection == "algorithms" && !nested:
		return "/algorithms/{id}"
	case collection == "executions" && !nested:
		return "/executions/{id}"
	case collection == "executions" && action == "retry":
		return "/executions/{id}/retry"
	}
	return otherRoute
}

// untracked reports paths polled by orchestrators and scrapers, which are left
// out of request metrics and traces.
func untracked(path string) bool {
	return path == "/health" || path == "/ready" || path == "/metrics"
}
