// Package toolregistry merges the tools of several providers into one namespace
// and routes invocations back to the owning provider.
//
// Invariants:
// - Build is all-or-nothing: one failed provider yields no registry.
// - Names are unique. The first provider to expose a name keeps it; a later
//   provider's colliding tool is registered as "<providerID>_<name>".
// - A Registry is immutable after Build and safe for concurrent use.
//
// Usage:
//
//	reg, err := toolregistry.Build(ctx, []toolprovider.Connection{db, weather})
//	result, err := reg.Dispatch(ctx, "get_alerts", map[string]any{"state": "CA"})
package toolregistry
