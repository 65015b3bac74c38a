//go:build !unix

package checkpoint

// Without flock only the in-process mutex serializes writers.
func lockFile(string) (func(), error) {
	return func() {}, nil
}
