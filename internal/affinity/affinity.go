// Package affinity pins the calling goroutine's OS thread to a CPU core.
// It is used by the optional background progress task so polling stays on a
// core close to the NIC. Platform support lives in build-tagged files.
package affinity

// Pin locks the calling goroutine to its OS thread and binds that thread to
// the given logical CPU. On unsupported platforms it returns an error and
// performs no binding.
func Pin(cpu int) error {
	return pin(cpu)
}
