// Package docs holds the OpenAPI description of the HTTP API
package docs

import _ "embed"

// OpenAPI is the raw openapi.yaml document
//
//go:embed openapi.yaml
var OpenAPI []byte
