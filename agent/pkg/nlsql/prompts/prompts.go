// Package prompts embeds the prompt texts for the nlsql collaborators.
package prompts

import "embed"

// FS holds the prompt markdown files.
//
//go:embed *.md
var FS embed.FS
