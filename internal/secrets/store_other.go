//go:build !darwin

package secrets

func init() {
	// No platform keychain; see Resolve for the file fallback.
	store = &NoopStore{}
}
