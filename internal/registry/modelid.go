package registry

import "strings"

// fallbackModelID is returned for empty, dangerous, or all-separator inputs
// (spec §8).
const fallbackModelID = "_latest"

// GenerateModelID normalizes a raw repo/model identifier into its canonical
// registry form: lowercased, with leading/trailing slashes trimmed. Inputs
// that are empty, contain "..", contain a NUL byte, or consist only of "/"
// characters collapse to fallbackModelID rather than being rejected, so a
// model-sync pass never fails outright on one malformed entry. Grounded on
// the original's generate_model_id (registry/models.rs): idempotent on
// already-normalized input, since re-lowercasing and re-trimming a
// normalized string is a no-op.
func GenerateModelID(repo string) string {
	if repo == "" {
		return fallbackModelID
	}
	if strings.Contains(repo, "..") || strings.ContainsRune(repo, 0) {
		return fallbackModelID
	}

	normalized := strings.ToLower(repo)
	trimmed := strings.Trim(normalized, "/")
	if trimmed == "" {
		return fallbackModelID
	}
	return trimmed
}
