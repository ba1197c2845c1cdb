package fabric

import "fmt"

// NewProviderFunc constructs a Provider given a free-form address
// string (provider-specific: a device name, an interface name, ...).
type NewProviderFunc func(address string) (Provider, error)

// availableProviders mirrors the teacher's bus-interface registry
// (pkg/can.AvailableInterfaces): a provider implementation registers
// itself from an init() function, and callers look it up by name
// rather than importing the concrete type directly.
var availableProviders = make(map[string]NewProviderFunc)

// RegisterProvider makes a fabric provider available under name. It is
// intended to be called from a provider package's init().
func RegisterProvider(name string, fn NewProviderFunc) {
	availableProviders[name] = fn
}

// OpenProvider constructs the named provider against address, or
// returns an error if no provider was registered under that name.
func OpenProvider(name, address string) (Provider, error) {
	fn, ok := availableProviders[name]
	if !ok {
		return nil, fmt.Errorf("fabric: no provider registered as %q", name)
	}
	return fn(address)
}

// RegisteredProviders lists the names currently registered.
func RegisteredProviders() []string {
	names := make([]string, 0, len(availableProviders))
	for name := range availableProviders {
		names = append(names, name)
	}
	return names
}
