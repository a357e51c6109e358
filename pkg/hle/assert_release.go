//go:build !debugasserts

package hle

const debugAsserts = false
