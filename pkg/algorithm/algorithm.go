package algorithm

// Algorithm abstracts an algorithm.
type Algorithm interface {
	// Name returns the name of the algorithm.
	Name() string
}
