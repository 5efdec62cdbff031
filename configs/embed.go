// Package configs provides the embedded configuration template for
// motiondex.
//
// The template is embedded at build time with go:embed so it ships in
// every distribution. `motiondex config init` writes it to disk as a
// starting point; internal/config applies the same defaults when no
// file exists.
package configs

import _ "embed"

// ConfigTemplate is the annotated example configuration written by
// `motiondex config init`.
//
//go:embed config.example.yaml
var ConfigTemplate string
