//go:build debugasserts

package hle

const debugAsserts = true
