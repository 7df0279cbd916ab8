package batch

import "context"

type multiWriter[T any] []BatchWriter[T]

// MultiWriter writes every batch to each writer in order and stops at
// the first error.
func MultiWriter[T any](writers ...BatchWriter[T]) BatchWriter[T] {
	if len(writers) == 1 {
		return writers[0]
	}
	return multiWriter[T](writers)
}

func (m multiWriter[T]) WriteBatch(ctx context.Context, rows []T) error {
	for _, w := range m {
		if err := w.WriteBatch(ctx, rows); err != nil {
			return err
		}
	}
	return nil
}
