package scheduler

type entry struct {
	job   Job
	index int
}

// jobHeap orders pending jobs by fire time, ties broken by id.
type jobHeap []*entry

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	if !h[i].job.FireAt.Equal(h[j].job.FireAt) {
		return h[i].job.FireAt.Before(h[j].job.FireAt)
	}
	return h[i].job.ID < h[j].job.ID
}

func (h jobHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *jobHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}
