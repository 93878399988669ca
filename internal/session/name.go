package session

// SandboxName derives the management disposable name for host: prefix+host,
// cut to maxLen bytes. The same host always maps to the same name.
func SandboxName(prefix string, maxLen int, host string) string {
	name := prefix + host
	if maxLen > 0 && len(name) > maxLen {
		name = name[:maxLen]
	}
	return name
}
