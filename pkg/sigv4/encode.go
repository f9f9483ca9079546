package sigv4

import (
	"time"
)

const upperHex = "0123456789ABCDEF"

func isUnreserved(c byte) bool {
	return (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') ||
		c == '_' || c == '.' || c == '~' || c == '-'
}

// UriEncode appends the SigV4 percent-encoding of s to dst. Unreserved characters
// (A-Z a-z 0-9 _ . ~ -) pass through, '/' becomes "%2F" and every other byte becomes
// "%XX" with uppercase hex. On kvserr.BufferTooSmall the contents of dst past its
// original length are undefined and must be discarded.
func UriEncode(dst *Buffer, s string) error {
	for i := 0; i < len(s); i++ {
		c := s[i]
		var err error
		switch {
		case isUnreserved(c):
			err = dst.AppendByte(c)
		case c == '/':
			err = dst.AppendString("%2F")
		default:
			err = dst.appendEscape(c)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// encodePath appends a canonical URI for path: each '/'-separated segment is
// UriEncoded and the separators are kept. An empty path becomes "/".
func encodePath(dst *Buffer, path string) error {
	if path == "" {
		return dst.AppendByte('/')
	}
	start := 0
	for i := 0; i <= len(path); i++ {
		if i == len(path) || path[i] == '/' {
			if err := UriEncode(dst, path[start:i]); err != nil {
				return err
			}
			if i < len(path) {
				if err := dst.AppendByte('/'); err != nil {
					return err
				}
			}
			start = i + 1
		}
	}
	return nil
}

// Timestamp formats t (converted to UTC) as YYYYMMDDTHHMMSSZ
func Timestamp(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}
