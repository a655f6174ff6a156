package dispatch

// SelectionStrategy picks which store the coordinator visits next. Both
// built-ins are deterministic functions of (stores, lastStore, lastCount)
// and reset themselves whenever the store list changes, so tests can pin
// their behavior tick by tick.
type SelectionStrategy interface {
	SelectNext(stores []Store, lastStore string, lastCount int) Store
}

// RoundRobin advances to the next store each tick regardless of the last
// batch's outcome.
type RoundRobin struct {
	ids []string
}

func NewRoundRobin() *RoundRobin { return &RoundRobin{} }

func (r *RoundRobin) SelectNext(stores []Store, lastStore string, lastCount int) Store {
	if len(stores) == 0 {
		return nil
	}
	if r.reset(stores) {
		return stores[0]
	}
	return stores[(indexOf(stores, lastStore)+1)%len(stores)]
}

func (r *RoundRobin) reset(stores []Store) bool {
	return resetIfChanged(&r.ids, stores)
}

// DrainFirst keeps polling the same store while its last batch was
// non-empty, and only advances once it returns zero. A busy tenant is
// drained with warm caches before the coordinator moves on.
type DrainFirst struct {
	ids []string
}

func NewDrainFirst() *DrainFirst { return &DrainFirst{} }

func (d *DrainFirst) SelectNext(stores []Store, lastStore string, lastCount int) Store {
	if len(stores) == 0 {
		return nil
	}
	if d.reset(stores) {
		return stores[0]
	}
	idx := indexOf(stores, lastStore)
	if lastCount > 0 && idx >= 0 {
		return stores[idx]
	}
	return stores[(idx+1)%len(stores)]
}

func (d *DrainFirst) reset(stores []Store) bool {
	return resetIfChanged(&d.ids, stores)
}

// resetIfChanged compares the identifier list against the previous
// snapshot and replaces it on any difference. Returns true when the
// strategy should restart from the first store.
func resetIfChanged(prev *[]string, stores []Store) bool {
	if len(*prev) == len(stores) {
		same := true
		for i, s := range stores {
			if (*prev)[i] != s.Identifier() {
				same = false
				break
			}
		}
		if same {
			return false
		}
	}
	ids := make([]string, len(stores))
	for i, s := range stores {
		ids[i] = s.Identifier()
	}
	*prev = ids
	return true
}

// indexOf returns -1 when id is absent, which callers treat as "start
// over"; (-1+1)%n lands on the first store.
func indexOf(stores []Store, id string) int {
	for i, s := range stores {
		if s.Identifier() == id {
			return i
		}
	}
	return -1
}
