package samplers

// Strategy selects how concurrent sampling workers accumulate their
// gradient contributions into the shared factor matrices. All strategies
// produce the same result; they trade memory for synchronization cost.
type Strategy int

const (
	// StrategySingle runs the kernel on one goroutine and writes directly.
	StrategySingle Strategy = iota

	// StrategyAtomic shares one gradient buffer across workers and
	// accumulates with atomic adds.
	StrategyAtomic

	// StrategyDuplicated gives each worker a private gradient buffer and
	// sums the buffers once all workers finish.
	StrategyDuplicated
)

// String implements fmt.Stringer.
func (s Strategy) String() string {
	switch s {
	case StrategySingle:
		return "single"
	case StrategyAtomic:
		return "atomic"
	case StrategyDuplicated:
		return "duplicated"
	}
	return "invalid"
}

// ChooseStrategy picks a sensible default for the given parallelism:
// serial work needs no synchronization, modest worker counts amortize the
// duplicated buffers, and beyond that atomics win on memory.
func ChooseStrategy(parallelism int) Strategy {
	switch {
	case parallelism <= 1:
		return StrategySingle
	case parallelism <= 8:
		return StrategyDuplicated
	default:
		return StrategyAtomic
	}
}
