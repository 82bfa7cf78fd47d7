package obs

import "strings"

// CanonicalPath collapses identifier path segments so metric labels stay low
// cardinality. Namespace and entity ids become placeholders; query strings
// are stripped.
func CanonicalPath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(p, "/"), "/")
	if len(parts) >= 3 && parts[0] == "v1" && parts[1] == "namespaces" {
		parts[2] = ":namespace"
		// /v1/namespaces/:namespace/{kind}/{id}/...
		if len(parts) >= 5 {
			parts[4] = ":id"
		}
	}
	return "/" + strings.Join(parts, "/")
}
