package batch

import "fmt"

// Chunk splits items into consecutive slices of at most size elements.
// Order is preserved and only the last chunk may be short. An empty input
// yields no chunks. Chunks share the backing array of items but are
// capacity-limited, so appending to one never overwrites its neighbour.
//
// Chunk panics if size < 1.
func Chunk[T any](items []T, size int) [][]T {
	if size < 1 {
		panic(fmt.Sprintf("batch: chunk size must be >= 1 (got %d)", size))
	}

	chunks := make([][]T, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		chunks = append(chunks, items[start:end:end])
	}
	return chunks
}
