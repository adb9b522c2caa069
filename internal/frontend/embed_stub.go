//go:build !embed

package frontend

import "net/http"

// Handler returns nil when the binary is built without the embedded
// frontend.
func Handler() http.Handler { return nil }
