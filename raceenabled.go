//go:build race

package flowpipe

func init() {
	// violations panic with a stack under the race detector,
	// which is where the test suite runs.
	StrictProtocol = true
}
