package twitter

import "sort"

var registry = map[string]Endpoint{}

func init() {
	Register(
		searchEndpoint{},
		timelineEndpoint{},
		lookupEndpoint{},
	)
}

// Register adds endpoints to the registry, replacing same-named entries.
// Not safe for concurrent use; call during setup.
func Register(endpoints ...Endpoint) {
	for _, e := range endpoints {
		registry[e.Name()] = e
	}
}

// Lookup resolves an endpoint by its task-file name.
func Lookup(name string) (Endpoint, bool) {
	e, ok := registry[name]
	return e, ok
}

// Names lists the registered endpoint names in stable order.
func Names() []string {
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
