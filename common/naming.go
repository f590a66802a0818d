package common

import (
	"path/filepath"
	"strings"
)

// ProductFileName returns the name of the local file for a product.
// Entity and product identifiers are opaque remote strings, so anything that
// could escape the output directory is stripped.
func ProductFileName(p Product) string {
	name := safePart(p.EntityID)
	if id := safePart(p.ProductID); id != "" {
		name += "_" + id
	}
	return name + ".zip"
}

// ProductFilePath returns the path of the local file for a product, given the output directory
func ProductFilePath(dir string, p Product) string {
	return filepath.Join(dir, ProductFileName(p))
}

func safePart(s string) string {
	s = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '-'
		}
		return r
	}, strings.TrimSpace(s))
	return strings.TrimLeft(s, ".-")
}
