package utils

// CycleEnum steps through the values 0..last of an int enum, wrapping at
// both ends.
func CycleEnum[T ~int](current T, step int, last T) T {
	n := int(last) + 1
	return T(((int(current)+step)%n + n) % n)
}

func GetNextEnum[T ~int](current T, last T) T {
	return CycleEnum(current, 1, last)
}

func GetPrevEnum[T ~int](current T, last T) T {
	return CycleEnum(current, -1, last)
}
