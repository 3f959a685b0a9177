package sync

// Chunk splits records into consecutive batches of at most size records.
// Order is preserved; the last batch holds the remainder. A non-positive
// size yields a single batch.
func Chunk[T any](records []T, size int) [][]T {
	if len(records) == 0 {
		return nil
	}
	if size <= 0 {
		return [][]T{records}
	}

	ret := make([][]T, 0, (len(records)+size-1)/size)
	for start := 0; start < len(records); start += size {
		end := start + size
		if end > len(records) {
			end = len(records)
		}
		ret = append(ret, records[start:end])
	}
	return ret
}
