package util

// MapN applies fn to every element. Elements for which fn fails are left as
// the zero value.
func MapN[T, V any](ts []T, fn func(T) (V, error)) []V {
	result := make([]V, len(ts))
	for i, t := range ts {
		if v, err := fn(t); err == nil {
			result[i] = v
		}
	}
	return result
}

func Filter[T any](ts []T, fn func(T) bool) []T {
	result := []T{}
	for _, v := range ts {
		if fn(v) {
			result = append(result, v)
		}
	}
	return result
}

func Reduce[T, V any](ts []T, acc func(t T, v V) V, base V) V {
	for _, v := range ts {
		base = acc(v, base)
	}
	return base
}

// Choose returns a if cond holds and b otherwise.
func Choose[T any](cond bool, a, b T) T {
	if cond {
		return a
	}
	return b
}
