// internal/browser/domhash.go
package browser

import (
	"crypto/sha1"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/net/html"
)

// StructuralHash fingerprints the shape of a document: element tags and their
// nesting depth, ignoring text and attribute values. Two snapshots hash equal
// when only copy or styling changed, which is what the progress detector
// needs to tell "nothing happened" from "a widget appeared".
func StructuralHash(domHTML string) string {
	doc, err := html.Parse(strings.NewReader(domHTML))
	if err != nil {
		// An unparseable snapshot still gets a stable fingerprint.
		sum := sha1.Sum([]byte(domHTML))
		return hex.EncodeToString(sum[:])
	}

	var paths []string
	var walk func(n *html.Node, depth int)
	walk = func(n *html.Node, depth int) {
		if n.Type == html.ElementNode {
			paths = append(paths, n.Data+":"+strconv.Itoa(depth))
			depth++
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c, depth)
		}
	}
	walk(doc, 0)

	// Order-insensitive: reordered siblings are not structural progress.
	sort.Strings(paths)

	h := sha1.New()
	for _, p := range paths {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
