package supervisor

import "fmt"

// defaultBinaries maps each provider to the CLI binary looked up on PATH
// when SpawnConfig.CLIPath is empty.
var defaultBinaries = map[Provider]string{
	ProviderClaude: "claude",
	ProviderCodex:  "codex",
	ProviderGemini: "gemini",
}

// BuildCLIArgs constructs the argument vector for the provider CLI. Every
// provider is driven in its streaming JSON mode so stdout can be consumed
// as newline-delimited events.
func BuildCLIArgs(cfg SpawnConfig) ([]string, error) {
	switch cfg.Provider {
	case ProviderClaude:
		return buildClaudeArgs(cfg), nil
	case ProviderCodex:
		return buildCodexArgs(cfg), nil
	case ProviderGemini:
		return buildGeminiArgs(cfg), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, cfg.Provider)
	}
}

func buildClaudeArgs(cfg SpawnConfig) []string {
	args := []string{
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--verbose",
		"--include-partial-messages",
	}
	if cfg.Model != "" {
		args = append(args, "--model", cfg.Model)
	}
	if cfg.ResumeSessionID != "" {
		args = append(args, "--resume", cfg.ResumeSessionID)
	}
	if cfg.PermissionMode != "" {
		args = append(args, "--permission-mode", cfg.PermissionMode)
	}
	for _, tool := range cfg.AllowedTools {
		args = append(args, "--allowedTools", tool)
	}
	for _, tool := range cfg.DisallowedTools {
		args = append(args, "--disallowedTools", tool)
	}
	if cfg.AgentRole != "" {
		args = append(args, "--agents", cfg.AgentRole)
	}
	args = append(args, cfg.ExtraArgs...)
	// Prompt goes over stdin as a stream-json user message, not argv.
	args = append(args, "--print")
	return args
}

func buildCodexArgs(cfg SpawnConfig) []string {
	args := []string{"exec", "--json"}
	if cfg.Model != "" {
		args = append(args, "--model", cfg.Model)
	}
	if cfg.ResumeSessionID != "" {
		args = append(args, "resume", cfg.ResumeSessionID)
	}
	if cfg.WorkDir != "" {
		args = append(args, "--cd", cfg.WorkDir)
	}
	args = append(args, cfg.ExtraArgs...)
	if cfg.Prompt != "" {
		args = append(args, cfg.Prompt)
	}
	return args
}

func buildGeminiArgs(cfg SpawnConfig) []string {
	args := []string{"--output-format", "stream-json"}
	if cfg.Model != "" {
		args = append(args, "--model", cfg.Model)
	}
	if cfg.ResumeSessionID != "" {
		args = append(args, "--resume", cfg.ResumeSessionID)
	}
	args = append(args, cfg.ExtraArgs...)
	if cfg.Prompt != "" {
		args = append(args, "--prompt", cfg.Prompt)
	}
	return args
}

func binaryFor(cfg SpawnConfig) string {
	if cfg.CLIPath != "" {
		return cfg.CLIPath
	}
	return defaultBinaries[cfg.Provider]
}
