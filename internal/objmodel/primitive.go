package objmodel

import "fmt"

// Primitive is the raw primitive-type tag stored in a class object. PrimNot
// marks reference (non-primitive) classes.
type Primitive uint32

const (
	PrimNot Primitive = iota
	PrimBoolean
	PrimByte
	PrimChar
	PrimShort
	PrimInt
	PrimLong
	PrimFloat
	PrimDouble
)

// Size returns the storage size of one value in bytes.
func (p Primitive) Size() uint64 {
	switch p {
	case PrimBoolean, PrimByte:
		return 1
	case PrimChar, PrimShort:
		return 2
	case PrimInt, PrimFloat:
		return 4
	case PrimLong, PrimDouble:
		return 8
	case PrimNot:
		return RefSize
	default:
		return 0
	}
}

func (p Primitive) String() string {
	switch p {
	case PrimNot:
		return "reference"
	case PrimBoolean:
		return "boolean"
	case PrimByte:
		return "byte"
	case PrimChar:
		return "char"
	case PrimShort:
		return "short"
	case PrimInt:
		return "int"
	case PrimLong:
		return "long"
	case PrimFloat:
		return "float"
	case PrimDouble:
		return "double"
	default:
		return fmt.Sprintf("Primitive(%d)", uint32(p))
	}
}
