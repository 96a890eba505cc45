package irc

import "strings"

// Casemapping folds a nickname or channel name so that names that the
// server considers equal compare equal.
type Casemapping func(string) string

// CasemapASCII folds A-Z to a-z.
func CasemapASCII(name string) string {
	var sb strings.Builder
	sb.Grow(len(name))
	for _, r := range name {
		if 'A' <= r && r <= 'Z' {
			r += 'a' - 'A'
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// CasemapRFC1459 folds A-Z and []\~ to a-z and {}|^.
func CasemapRFC1459(name string) string {
	var sb strings.Builder
	sb.Grow(len(name))
	for _, r := range name {
		if 'A' <= r && r <= 'Z' {
			r += 'a' - 'A'
		} else if r == '[' {
			r = '{'
		} else if r == ']' {
			r = '}'
		} else if r == '\\' {
			r = '|'
		} else if r == '~' {
			r = '^'
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// CasemapRFC1459Strict is CasemapRFC1459 without the ~/^ pair.
func CasemapRFC1459Strict(name string) string {
	var sb strings.Builder
	sb.Grow(len(name))
	for _, r := range name {
		if 'A' <= r && r <= 'Z' {
			r += 'a' - 'A'
		} else if r == '[' {
			r = '{'
		} else if r == ']' {
			r = '}'
		} else if r == '\\' {
			r = '|'
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// CasemappingByName returns the casemapping advertised by CASEMAPPING.
// Unknown names fall back to rfc1459, the protocol default.
func CasemappingByName(name string) Casemapping {
	switch strings.ToLower(name) {
	case "ascii":
		return CasemapASCII
	case "rfc1459-strict", "strict-rfc1459":
		return CasemapRFC1459Strict
	default:
		return CasemapRFC1459
	}
}
