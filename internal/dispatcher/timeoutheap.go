package dispatcher

import "container/heap"

// timeoutHeap is a container/heap.Interface over handlers ordered by
// deadline, giving the timeout scheduler goroutine O(log n) insert/remove
// instead of scanning every registered handler on each tick.
type timeoutHeap []*handler

func (h timeoutHeap) Len() int { return len(h) }

func (h timeoutHeap) Less(i, j int) bool { return h[i].deadline.Before(h[j].deadline) }

func (h timeoutHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIndex = i
	h[j].heapIndex = j
}

func (h *timeoutHeap) Push(x any) {
	hd := x.(*handler)
	hd.heapIndex = len(*h)
	*h = append(*h, hd)
}

func (h *timeoutHeap) Pop() any {
	old := *h
	n := len(old)
	hd := old[n-1]
	old[n-1] = nil
	hd.heapIndex = -1
	*h = old[:n-1]
	return hd
}

// removeHandler pops hd out of the heap wherever it currently sits, a no-op
// if hd is not in the heap.
func removeHandler(h *timeoutHeap, hd *handler) {
	if hd.heapIndex < 0 || hd.heapIndex >= h.Len() {
		return
	}
	heap.Remove(h, hd.heapIndex)
}
