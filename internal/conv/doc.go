// Package conv provides checked integer conversions.
//
// Address arithmetic is done in uint64, while slices and bitmaps are indexed
// with int and uint32. These helpers make the narrowing explicit and return an
// error instead of silently wrapping.
package conv
