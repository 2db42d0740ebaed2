package controlplane

import "strings"

// ModelResolver implements the model-name resolution order of the start
// operation: a server-wide model configured alongside a local provider base
// URL overrides the caller's choice; else the caller's choice; else the
// server default. Alias resolution and provider-prefix defaulting then
// rewrite the final model string.
type ModelResolver struct {
	// ServerModel, when set together with LocalProviderURL, overrides
	// whatever model the caller asked for.
	ServerModel      string
	LocalProviderURL string

	// Default is used when the caller supplied no model.
	Default string

	// Aliases maps friendly model names onto provider model ids.
	Aliases map[string]string

	// ProviderPrefix is prepended (as "prefix/") to a resolved name that
	// carries no provider prefix of its own.
	ProviderPrefix string
}

// Resolve applies the resolution order to the caller-requested model name.
func (r ModelResolver) Resolve(requested string) string {
	name := strings.TrimSpace(requested)
	if r.ServerModel != "" && r.LocalProviderURL != "" {
		name = r.ServerModel
	}
	if name == "" {
		name = r.Default
	}
	if alias, ok := r.Aliases[name]; ok {
		name = alias
	}
	if name != "" && r.ProviderPrefix != "" && !strings.Contains(name, "/") {
		name = r.ProviderPrefix + "/" + name
	}
	return name
}
