// Package webapp provides the embedded HTML templates and static assets.
package webapp

import "embed"

//go:embed templates static
var Assets embed.FS
