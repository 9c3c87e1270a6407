// Package layout includes helpers for working with type layouts.
package layout

import "unsafe"

// Signed is any signed integer type.
type Signed interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64
}

// Unsigned is any unsigned integer type.
type Unsigned interface {
	~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~uintptr
}

// Int is any integer type.
type Int interface {
	Signed | Unsigned
}

// Size returns the size of a type.
func Size[T any]() int {
	var v T
	return int(unsafe.Sizeof(v))
}

// Align returns the alignment of a type.
func Align[T any]() int {
	var v T
	return int(unsafe.Alignof(v))
}

// Layout is the size and alignment of a type.
type Layout struct {
	Size, Align int
}

// Of returns the layout of a type.
func Of[T any]() Layout {
	return Layout{Size[T](), Align[T]()}
}

// RoundDown rounds v down to align, which must be a power of two.
func RoundDown[T Int](v, align T) T {
	return v &^ (align - 1)
}

// RoundUp rounds v up to align, which must be a power of two.
func RoundUp[T Int](v, align T) T {
	return RoundDown(v+align-1, align)
}

// Padding returns the number of bytes needed to round v up to align, which
// must be a power of two.
func Padding[T Int](v, align T) T {
	return RoundUp(v, align) - v
}
