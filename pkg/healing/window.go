package healing

// window is a fixed-capacity FIFO. Pushing onto a full window evicts the
// oldest entry. It is not safe for concurrent use; owners lock around it.
type window[T any] struct {
	items []T
	start int
	size  int
}

func newWindow[T any](capacity int) *window[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &window[T]{items: make([]T, capacity)}
}

func (w *window[T]) push(item T) {
	capacity := len(w.items)
	if w.size < capacity {
		w.items[(w.start+w.size)%capacity] = item
		w.size++
		return
	}
	w.items[w.start] = item
	w.start = (w.start + 1) % capacity
}

func (w *window[T]) len() int {
	return w.size
}

func (w *window[T]) capacity() int {
	return len(w.items)
}

// values returns the entries oldest first.
func (w *window[T]) values() []T {
	out := make([]T, w.size)
	for i := 0; i < w.size; i++ {
		out[i] = w.items[(w.start+i)%len(w.items)]
	}
	return out
}

// last returns up to n of the newest entries, oldest first.
func (w *window[T]) last(n int) []T {
	if n > w.size {
		n = w.size
	}
	out := make([]T, n)
	offset := w.size - n
	for i := 0; i < n; i++ {
		out[i] = w.items[(w.start+offset+i)%len(w.items)]
	}
	return out
}

func (w *window[T]) reset() {
	var zero T
	for i := range w.items {
		w.items[i] = zero
	}
	w.start = 0
	w.size = 0
}
