package fault

import "sync"

// Aggregator collects per-item outcomes of a batch operation.
type Aggregator struct {
	mu        sync.Mutex
	operation string
	successes int
	items     []ItemError
}

// ItemError pairs a failed batch item with its tagged error.
type ItemError struct {
	Item string `json:"item"`
	Err  *Error `json:"-"`
}

// Summary is the rollup of a finished batch.
type Summary struct {
	Operation   string       `json:"operation"`
	Total       int          `json:"total"`
	Successes   int          `json:"successes"`
	Errors      int          `json:"errors"`
	SuccessRate float64      `json:"success_rate"`
	ByCode      map[Code]int `json:"by_code,omitempty"`
}

// NewAggregator starts a batch rollup for the named operation.
func NewAggregator(operation string) *Aggregator {
	return &Aggregator{operation: operation}
}

// Success records one successful item.
func (a *Aggregator) Success() {
	a.mu.Lock()
	a.successes++
	a.mu.Unlock()
}

// Record registers a failed item. Foreign errors are tagged first.
func (a *Aggregator) Record(item string, err error) {
	if err == nil {
		a.Success()
		return
	}
	fe, ok := As(err)
	if !ok {
		fe = Wrap(err, err.Error(), WithOperation(a.operation))
	}
	a.mu.Lock()
	a.items = append(a.items, ItemError{Item: item, Err: fe})
	a.mu.Unlock()
}

// Errors returns the recorded item failures in arrival order.
func (a *Aggregator) Errors() []ItemError {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]ItemError, len(a.items))
	copy(out, a.items)
	return out
}

// Summary computes the batch rollup. An empty batch counts as fully
// successful.
func (a *Aggregator) Summary() Summary {
	a.mu.Lock()
	defer a.mu.Unlock()
	total := a.successes + len(a.items)
	s := Summary{
		Operation: a.operation,
		Total:     total,
		Successes: a.successes,
		Errors:    len(a.items),
	}
	if total == 0 {
		s.SuccessRate = 1.0
	} else {
		s.SuccessRate = float64(a.successes) / float64(total)
	}
	if len(a.items) > 0 {
		s.ByCode = make(map[Code]int, len(a.items))
		for _, it := range a.items {
			s.ByCode[it.Err.Code]++
		}
	}
	return s
}

// FirstCritical returns the first CRITICAL item error with batch metadata
// attached, or nil when the batch saw none.
func (a *Aggregator) FirstCritical() *Error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, it := range a.items {
		if !it.Err.Critical() {
			continue
		}
		fe := it.Err
		if fe.Context.Custom == nil {
			fe.Context.Custom = make(map[string]any)
		}
		fe.Context.Custom["batch_operation"] = a.operation
		fe.Context.Custom["batch_total"] = a.successes + len(a.items)
		fe.Context.Custom["batch_errors"] = len(a.items)
		fe.Context.Custom["failed_item"] = it.Item
		return fe
	}
	return nil
}
