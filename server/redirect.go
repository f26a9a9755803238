package server

import "net/url"

// NextURLFromReferer derives the post-login redirect target from the
// Referer header's own next_url query parameter. The login page carries the
// originally requested path in that parameter, so the value survives both
// the local form post and the SSO round trip. Anything unusable falls back
// to the application root.
func NextURLFromReferer(referer string) string {
	if referer == "" {
		return "/"
	}
	u, err := url.Parse(referer)
	if err != nil {
		return "/"
	}
	return SafePath(u.Query().Get("next_url"))
}

// SafePath restricts a redirect target to a same-origin relative path.
// Absolute URLs with a foreign host, scheme-relative //host forms, and
// anything not rooted at / collapse to the application root.
func SafePath(raw string) string {
	if raw == "" {
		return "/"
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "/"
	}
	if u.Scheme != "" || u.Host != "" {
		return "/"
	}
	path := u.RequestURI()
	if len(path) < 1 || path[0] != '/' {
		return "/"
	}
	// Browsers treat "//host" and "/\host" as scheme-relative URLs.
	if len(path) > 1 && (path[1] == '/' || path[1] == '\\') {
		return "/"
	}
	return path
}
