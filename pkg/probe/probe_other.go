//go:build !unix

package probe

// TryAlloc has no way to probe without risking a fatal allocation failure on
// this platform, so it always succeeds.
func TryAlloc(bytes int64) bool {
	return true
}

func Occupy(bytes int64) (*Segment, error) {
	data := make([]byte, bytes)
	fill(data)
	return &Segment{data: data}, nil
}
