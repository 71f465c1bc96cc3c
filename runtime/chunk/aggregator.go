package chunk

// Aggregator folds a chunk sequence left to right. The first failed combine
// makes the running total permanently unavailable; later chunks are ignored.
// The zero value is ready for use.
type Aggregator struct {
	total any
	count int
	err   error
}

// Add folds c into the running total. It returns the combine error that
// made the total unavailable, if any.
func (a *Aggregator) Add(c any) error {
	a.count++
	if a.err != nil {
		return a.err
	}
	if a.count == 1 {
		a.total = c
		return nil
	}
	total, err := Combine(a.total, c)
	if err != nil {
		a.err = err
		a.total = nil
		return err
	}
	a.total = total
	return nil
}

// Result returns the running total. ok is false when no chunk was added or
// a combine failed.
func (a *Aggregator) Result() (total any, ok bool) {
	if a.err != nil || a.count == 0 {
		return nil, false
	}
	return a.total, true
}

// Err returns the combine error that made the total unavailable.
func (a *Aggregator) Err() error {
	return a.err
}

// Count returns the number of chunks added, including ignored ones.
func (a *Aggregator) Count() int {
	return a.count
}
