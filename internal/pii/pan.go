package pii

import "strings"

// InvalidPAN is returned by MaskPAN for input that is not 10 characters.
const InvalidPAN = "INVALID"

const panLength = 10

// HashPAN is the lookup hash stored next to the PAN ciphertext.
func HashPAN(pan string) string { return Hash(pan) }

// MaskPAN reveals the first and last two characters of a PAN: ABCDE1234F -> AB******4F.
// Input that is not 10 characters yields InvalidPAN and false.
func MaskPAN(pan string) (string, bool) {
	r := []rune(pan)
	if len(r) != panLength {
		return InvalidPAN, false
	}
	return string(r[:2]) + strings.Repeat("*", 6) + string(r[8:]), true
}
