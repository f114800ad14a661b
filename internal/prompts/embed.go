// Package prompts provides section, judge and summary prompt templates with
// override support.
package prompts

import "embed"

//go:embed sections/*.md judges/*.md final/*.md
var embeddedFS embed.FS
