package backend

import (
	"slices"
	"strings"
)

// CompareNatural orders strings with embedded numbers by numeric value, so
// "item-2" sorts before "item-10" and "mqv.2.10" before "mqv.10.1".
func CompareNatural(a, b string) int {
	for a != "" && b != "" {
		ca, ra := chunk(a)
		cb, rb := chunk(b)
		a, b = ra, rb

		da, db := isDigit(ca[0]), isDigit(cb[0])
		switch {
		case da && db:
			if c := compareDigits(ca, cb); c != 0 {
				return c
			}
		case da != db:
			// Digits sort before letters, like byte order.
			if da {
				return -1
			}
			return 1
		default:
			if c := strings.Compare(ca, cb); c != 0 {
				return c
			}
		}
	}
	switch {
	case a == "" && b == "":
		return 0
	case a == "":
		return -1
	default:
		return 1
	}
}

// NaturalLess reports whether a sorts before b in natural order.
func NaturalLess(a, b string) bool { return CompareNatural(a, b) < 0 }

// SortNatural sorts s in place in natural order.
func SortNatural(s []string) { slices.SortStableFunc(s, CompareNatural) }

// chunk splits off the leading run of digits or non-digits.
func chunk(s string) (head, rest string) {
	d := isDigit(s[0])
	i := 1
	for i < len(s) && isDigit(s[i]) == d {
		i++
	}
	return s[:i], s[i:]
}

// compareDigits compares two digit runs by value. Equal values with
// different zero padding fall back to the shorter run first.
func compareDigits(a, b string) int {
	ta, tb := strings.TrimLeft(a, "0"), strings.TrimLeft(b, "0")
	if len(ta) != len(tb) {
		if len(ta) < len(tb) {
			return -1
		}
		return 1
	}
	if c := strings.Compare(ta, tb); c != 0 {
		return c
	}
	if len(a) != len(b) {
		if len(a) < len(b) {
			return -1
		}
		return 1
	}
	return 0
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }
