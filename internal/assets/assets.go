// Package assets embeds the static viewer shipped with pysight.
package assets

import (
	_ "embed"
)

// BundleMarker is the insertion point the bundle exporter replaces with the
// captured reports. The viewer runs standalone off this constant when opened
// as an exported file.
const BundleMarker = "const BUNDLED_REPORTS = []"

//go:embed index.html
var indexHTML []byte

// IndexHTML returns the viewer page. Callers must not mutate the returned
// slice.
func IndexHTML() []byte {
	return indexHTML
}
