// Package contract provides design-by-contract checks used across the node
// to fail fast on malformed input.
//
// Every check is a pure function: it returns nil when the condition holds
// and a *Violation describing the broken condition otherwise. Checks never
// have side effects. Go has no None value, so nil-ness checks operate on
// nil interface values (including typed nil pointers), and the None case of
// string checks maps to the empty string.
package contract

import (
	"fmt"
	"reflect"
	"strings"
)

// Violation is the error produced when a checked precondition does not hold.
type Violation struct {
	Description string
}

func (v *Violation) Error() string {
	return "condition not met: " + v.Description
}

func fail(format string, args ...any) *Violation {
	return &Violation{Description: fmt.Sprintf(format, args...)}
}

// Number constrains the numeric checks to the built-in integer and float kinds.
type Number interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 |
		~float32 | ~float64
}

func typeName[T any]() string {
	return reflect.TypeOf((*T)(nil)).Elem().String()
}

func valueTypeName(value any) string {
	if value == nil {
		return "nil"
	}
	return reflect.TypeOf(value).String()
}

func isNil(value any) bool {
	if value == nil {
		return true
	}
	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Chan, reflect.Func, reflect.Interface, reflect.Map, reflect.Pointer, reflect.Slice:
		return rv.IsNil()
	default:
		return false
	}
}

// True checks that the predicate holds; description names the condition.
func True(predicate bool, description string) error {
	if predicate {
		return nil
	}
	return fail("%s", description)
}

// OfType checks that value's dynamic type is T.
func OfType[T any](value any, name string) error {
	if _, ok := value.(T); ok {
		return nil
	}
	return fail("argument %q was not of type %s, was %s", name, typeName[T](), valueTypeName(value))
}

// OfTypeOrNil checks that value is nil or of dynamic type T.
func OfTypeOrNil[T any](value any, name string) error {
	if isNil(value) {
		return nil
	}
	if _, ok := value.(T); ok {
		return nil
	}
	return fail("argument %q was neither nil nor of type %s, was %s", name, typeName[T](), valueTypeName(value))
}

// KeyIn checks that key is present in the map.
func KeyIn[K comparable, V any](key K, m map[K]V, name, mapName string) error {
	if _, ok := m[key]; ok {
		return nil
	}
	return fail("the %q key %v was not contained in the %q map", name, key, mapName)
}

// KeyNotIn checks that key is absent from the map.
func KeyNotIn[K comparable, V any](key K, m map[K]V, name, mapName string) error {
	if _, ok := m[key]; !ok {
		return nil
	}
	return fail("the %q key %v was already contained in the %q map", name, key, mapName)
}

// ListOfType checks that every element of list has dynamic type T.
func ListOfType[T any](list []any, name string) error {
	for i, element := range list {
		if _, ok := element.(T); !ok {
			return fail("list %q element at index %d was not of type %s, was %s",
				name, i, typeName[T](), valueTypeName(element))
		}
	}
	return nil
}

// MapOfTypes checks that every key of m has dynamic type KT and every value
// dynamic type VT.
func MapOfTypes[K comparable, KT, VT any](m map[K]any, name string) error {
	for key, value := range m {
		if _, ok := any(key).(KT); !ok {
			return fail("map %q key %v was not of type %s, was %s",
				name, key, typeName[KT](), valueTypeName(any(key)))
		}
		if _, ok := value.(VT); !ok {
			return fail("map %q value for key %v was not of type %s, was %s",
				name, key, typeName[VT](), valueTypeName(value))
		}
	}
	return nil
}

// Nil checks that value is nil.
func Nil(value any, name string) error {
	if isNil(value) {
		return nil
	}
	return fail("argument %q was not nil", name)
}

// NotNil checks that value is non-nil.
func NotNil(value any, name string) error {
	if !isNil(value) {
		return nil
	}
	return fail("argument %q was nil", name)
}

// ValidString checks that value is neither empty nor whitespace-only.
func ValidString(value, name string) error {
	if strings.TrimSpace(value) != "" {
		return nil
	}
	return fail("string argument %q was empty or whitespace", name)
}

// Equal checks that a and b compare equal.
func Equal[T comparable](a, b T) error {
	if a == b {
		return nil
	}
	return fail("values were not equal: %v != %v", a, b)
}

// EqualLengths checks that both slices have the same number of elements.
func EqualLengths[A, B any](a []A, b []B, nameA, nameB string) error {
	if len(a) == len(b) {
		return nil
	}
	return fail("lengths of %q and %q were unequal: %d != %d", nameA, nameB, len(a), len(b))
}

// Positive checks that value is strictly greater than zero.
func Positive[N Number](value N, name string) error {
	if value > 0 {
		return nil
	}
	return fail("argument %q was not positive, was %v", name, value)
}

// NotNegative checks that value is greater than or equal to zero.
func NotNegative[N Number](value N, name string) error {
	if value >= 0 {
		return nil
	}
	return fail("argument %q was negative, was %v", name, value)
}

// InRange checks that lo <= value <= hi, inclusive at both ends.
func InRange[N Number](value N, name string, lo, hi N) error {
	if value >= lo && value <= hi {
		return nil
	}
	return fail("argument %q was out of range [%v, %v], was %v", name, lo, hi, value)
}

// NotEmpty checks that the collection has at least one element.
func NotEmpty[T any](collection []T, name string) error {
	if len(collection) > 0 {
		return nil
	}
	return fail("collection %q was empty", name)
}

// NotEmptyMap checks that the map has at least one entry.
func NotEmptyMap[K comparable, V any](m map[K]V, name string) error {
	if len(m) > 0 {
		return nil
	}
	return fail("collection %q was empty", name)
}

// Empty checks that the collection has no elements.
func Empty[T any](collection []T, name string) error {
	if len(collection) == 0 {
		return nil
	}
	return fail("collection %q was not empty, had %d elements", name, len(collection))
}

// EmptyMap checks that the map has no entries.
func EmptyMap[K comparable, V any](m map[K]V, name string) error {
	if len(m) == 0 {
		return nil
	}
	return fail("collection %q was not empty, had %d entries", name, len(m))
}
