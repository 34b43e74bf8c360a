//go:build !debug

package pkg

// DebugEnabled forces debug-level logging. Set by building with -tags debug.
const DebugEnabled = false
