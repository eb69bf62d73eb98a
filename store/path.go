package store

import (
	"strings"

	"github.com/sysml/registryd/rpc"
)

// ValidatePath enforces the canonical form stored in the tree: absolute,
// no empty or dot segments, no trailing slash except on the root itself.
func ValidatePath(path string) error {
	if path == "" || path[0] != '/' {
		return rpc.EINVAL
	}
	if len(path) > rpc.AbsPathMax {
		return rpc.EINVAL
	}
	if path == "/" {
		return nil
	}
	if strings.HasSuffix(path, "/") {
		return rpc.EINVAL
	}
	for _, seg := range strings.Split(path[1:], "/") {
		if seg == "" || seg == "." || seg == ".." {
			return rpc.EINVAL
		}
	}
	return nil
}

// Parent returns the parent path, with "/" being its own parent.
func Parent(path string) string {
	if path == "/" {
		return "/"
	}
	i := strings.LastIndexByte(path, '/')
	if i == 0 {
		return "/"
	}
	return path[:i]
}

// Basename returns the final path segment.
func Basename(path string) string {
	if path == "/" {
		return ""
	}
	return path[strings.LastIndexByte(path, '/')+1:]
}

// Ancestors returns every proper ancestor of path, nearest first, ending
// with the root.
func Ancestors(path string) []string {
	var out []string
	for p := path; p != "/"; {
		p = Parent(p)
		out = append(out, p)
	}
	return out
}

// IsDescendant reports whether path is a proper descendant of root.
func IsDescendant(path, root string) bool {
	if root == "/" {
		return path != "/" && strings.HasPrefix(path, "/")
	}
	return strings.HasPrefix(path, root+"/")
}
