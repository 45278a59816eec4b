package pipeline

// chunk splits items into consecutive batches of at most size items.
func chunk[T any](items []T, size int) [][]T {
	if len(items) == 0 {
		return nil
	}
	if size <= 0 {
		return [][]T{items}
	}

	batches := make([][]T, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		batches = append(batches, items[start:end])
	}
	return batches
}

// insertBatched hands rows to insert one batch at a time, stopping at the
// first failure.
func insertBatched[T any](rows []T, size int, insert func([]T) error) error {
	for _, batch := range chunk(rows, size) {
		if err := insert(batch); err != nil {
			return err
		}
	}
	return nil
}
