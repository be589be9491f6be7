// Package partition splits ordered work lists into contiguous chunks, one per
// worker.
package partition

// Split divides items into n contiguous partitions. Every partition but the
// last holds len(items)/n items; the last one absorbs the remainder. When n
// exceeds len(items) the leading partitions are empty and the last one holds
// everything. The result is a pure function of items and n. Partitions alias
// the backing array of items.
func Split[T any](items []T, n int) [][]T {
	if n <= 0 {
		return nil
	}
	unit := len(items) / n
	out := make([][]T, n)
	for i := 0; i < n-1; i++ {
		out[i] = items[unit*i : unit*(i+1) : unit*(i+1)]
	}
	out[n-1] = items[unit*(n-1):]
	return out
}
