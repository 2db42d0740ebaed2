package controlplane

import "testing"

func TestModelResolver_Resolve(t *testing.T) {
	aliases := map[string]string{"sonnet": "claude-3-5-sonnet-20241022"}

	tests := []struct {
		name      string
		resolver  ModelResolver
		requested string
		want      string
	}{
		{
			name:      "caller choice wins without server override",
			resolver:  ModelResolver{Default: "claude-3-5-sonnet-20241022", ProviderPrefix: "anthropic"},
			requested: "gpt-4o",
			want:      "anthropic/gpt-4o",
		},
		{
			name:      "server model with local provider url overrides caller",
			resolver:  ModelResolver{ServerModel: "local-llama", LocalProviderURL: "http://localhost:11434/v1", Default: "claude-3-5-sonnet-20241022", ProviderPrefix: "openai"},
			requested: "gpt-4o",
			want:      "openai/local-llama",
		},
		{
			name:      "server model alone does not override",
			resolver:  ModelResolver{ServerModel: "local-llama", Default: "claude-3-5-sonnet-20241022"},
			requested: "gpt-4o",
			want:      "gpt-4o",
		},
		{
			name:      "empty request falls back to default",
			resolver:  ModelResolver{Default: "claude-3-5-sonnet-20241022", ProviderPrefix: "anthropic"},
			requested: "",
			want:      "anthropic/claude-3-5-sonnet-20241022",
		},
		{
			name:      "alias resolution before prefixing",
			resolver:  ModelResolver{Aliases: aliases, ProviderPrefix: "anthropic"},
			requested: "sonnet",
			want:      "anthropic/claude-3-5-sonnet-20241022",
		},
		{
			name:      "existing provider prefix is preserved",
			resolver:  ModelResolver{Default: "anthropic/claude-3-5-sonnet-20241022", ProviderPrefix: "openai"},
			requested: "",
			want:      "anthropic/claude-3-5-sonnet-20241022",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.resolver.Resolve(tt.requested); got != tt.want {
				t.Errorf("Resolve(%q) = %q, want %q", tt.requested, got, tt.want)
			}
		})
	}
}
