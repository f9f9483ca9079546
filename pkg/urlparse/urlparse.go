// Package urlparse extracts the pieces of an absolute URL that the signer and
// the connectors need. All results are substrings of the input; nothing is
// copied and nothing is validated beyond what is needed to find the boundaries.
package urlparse

import (
	"strconv"
	"strings"

	"github.com/sammck-go/kvstransport/pkg/kvserr"
)

const schemeDelimiter = "://"

// hostBounds returns the offsets of the host within url
func hostBounds(url string) (start int, end int, err error) {
	i := strings.Index(url, schemeDelimiter)
	if i < 0 {
		return 0, 0, kvserr.Errorf(kvserr.MalformedUrl, "missing %q in %q", schemeDelimiter, url)
	}
	start = i + len(schemeDelimiter)
	if start >= len(url) {
		return 0, 0, kvserr.Errorf(kvserr.MalformedUrl, "no host after %q in %q", schemeDelimiter, url)
	}
	end = start
	for end < len(url) {
		c := url[end]
		if c == '/' || c == ':' || c == '?' {
			break
		}
		end++
	}
	return start, end, nil
}

// Host returns the host component of an absolute URL: everything after the first
// "://" up to the first '/', ':' or '?', or the end of the URL.
func Host(url string) (string, error) {
	start, end, err := hostBounds(url)
	if err != nil {
		return "", err
	}
	return url[start:end], nil
}

// Path returns the path component of an absolute URL, including its leading '/'
// and excluding any query string. An explicit ":port" after the host is skipped.
// A URL with no path yields "".
func Path(url string) (string, error) {
	_, end, err := hostBounds(url)
	if err != nil {
		return "", err
	}
	if end < len(url) && url[end] == ':' {
		for end < len(url) && url[end] != '/' && url[end] != '?' {
			end++
		}
	}
	stop := strings.IndexByte(url[end:], '?')
	if stop < 0 {
		return url[end:], nil
	}
	return url[end : end+stop], nil
}

// Query returns everything after the first '?' of an absolute URL, or "" if there
// is none.
func Query(url string) (string, error) {
	_, end, err := hostBounds(url)
	if err != nil {
		return "", err
	}
	i := strings.IndexByte(url[end:], '?')
	if i < 0 {
		return "", nil
	}
	return url[end+i+1:], nil
}

// QueryValue returns the raw (still percent-encoded) value of the first parameter
// named key in query. The boolean is false if no such parameter exists.
func QueryValue(query string, key string) (string, bool) {
	for len(query) > 0 {
		var term string
		if i := strings.IndexByte(query, '&'); i >= 0 {
			term, query = query[:i], query[i+1:]
		} else {
			term, query = query, ""
		}
		name, value := term, ""
		if i := strings.IndexByte(term, '='); i >= 0 {
			name, value = term[:i], term[i+1:]
		}
		if name == key {
			return value, true
		}
	}
	return "", false
}

// Scheme returns the lower-cased scheme of an absolute URL
func Scheme(url string) (string, error) {
	i := strings.Index(url, schemeDelimiter)
	if i <= 0 {
		return "", kvserr.Errorf(kvserr.MalformedUrl, "missing scheme in %q", url)
	}
	return strings.ToLower(url[:i]), nil
}

// Port returns the explicit port of an absolute URL, or the default port of its
// scheme (443 for https/wss, 80 for http/ws).
func Port(url string) (int, error) {
	_, end, err := hostBounds(url)
	if err != nil {
		return 0, err
	}
	if end < len(url) && url[end] == ':' {
		stop := end + 1
		for stop < len(url) && url[stop] != '/' && url[stop] != '?' {
			stop++
		}
		port, err := strconv.Atoi(url[end+1 : stop])
		if err != nil || port <= 0 || port > 65535 {
			return 0, kvserr.Errorf(kvserr.MalformedUrl, "invalid port %q in %q", url[end+1:stop], url)
		}
		return port, nil
	}
	scheme, err := Scheme(url)
	if err != nil {
		return 0, err
	}
	switch scheme {
	case "https", "wss":
		return 443, nil
	case "http", "ws":
		return 80, nil
	}
	return 0, kvserr.Errorf(kvserr.MalformedUrl, "no default port for scheme %q", scheme)
}
