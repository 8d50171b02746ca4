// Package api holds the OpenAPI document served by lakehouse-api.
package api

import _ "embed"

//go:embed openapi.yaml
var Document []byte
