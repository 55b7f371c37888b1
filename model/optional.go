package model

// Optional holds a value that may or may not have been supplied. It is used for
// partial updates where "not supplied" must be distinguishable from a zero value.
type Optional[T any] struct {
	value T
	set   bool
}

// Some returns an Optional holding v.
func Some[T any](v T) Optional[T] {
	return Optional[T]{value: v, set: true}
}

// None returns an empty Optional.
func None[T any]() Optional[T] {
	return Optional[T]{}
}

// FromPtr converts a nil-able pointer into an Optional.
func FromPtr[T any](p *T) Optional[T] {
	if p == nil {
		return None[T]()
	}
	return Some(*p)
}

func (o Optional[T]) IsSet() bool {
	return o.set
}

// Get returns the value and whether it was set.
func (o Optional[T]) Get() (T, bool) {
	return o.value, o.set
}

func (o Optional[T]) OrElse(def T) T {
	if !o.set {
		return def
	}
	return o.value
}

// Ptr returns a pointer to a copy of the value, or nil when unset. Handy for
// passing optional columns as nullable query parameters.
func (o Optional[T]) Ptr() *T {
	if !o.set {
		return nil
	}
	v := o.value
	return &v
}
