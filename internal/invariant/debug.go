//go:build dmadebug

package invariant

// Fatal is true when violations panic.
const Fatal = true
