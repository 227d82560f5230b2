package mcpgateway

import (
	"strconv"
	"strings"
)

// namespaceSuffix terminates every namespaced tool name.
const namespaceSuffix = "_nxs"

// NamespacedToolName qualifies a backend tool name with the namespace of the
// end server that owns it: "<tool>_<namespace>_nxs".
func NamespacedToolName(toolName, namespace string) string {
	return toolName + "_" + namespace + namespaceSuffix
}

// ParseNamespacedToolName reverses NamespacedToolName. The namespace is the
// segment between the last underscore before the suffix and the suffix
// itself, so tool names may contain underscores.
func ParseNamespacedToolName(name string) (toolName, namespace string, ok bool) {
	trimmed, found := strings.CutSuffix(name, namespaceSuffix)
	if !found {
		return "", "", false
	}
	idx := strings.LastIndexByte(trimmed, '_')
	if idx < 0 {
		return "", "", false
	}
	toolName, namespace = trimmed[:idx], trimmed[idx+1:]
	if namespace == "" {
		return "", "", false
	}
	return toolName, namespace, true
}

func formatNamespace(n uint64) string {
	return strconv.FormatUint(n, 10)
}
