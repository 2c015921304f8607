package worker

import (
	"errors"
	"net/url"
	"strings"
)

// ErrPathEscapes is returned when an archive path resolves outside the
// archive's serving root.
var ErrPathEscapes = errors.New("path escapes archive root")

// Query parameters carried by archive-scoped requests.
const (
	ParamArchive = "waczArchive"
	ParamPath    = "path"
)

// ArchiveRequest is the archive addressing extracted from a request URL.
type ArchiveRequest struct {
	ArchiveID string
	Path      string
}

// ParseArchiveQuery extracts the archive id and path from rawQuery. ok is
// false when the query carries no archive id. A malformed query returns an
// error so callers can fail open.
func ParseArchiveQuery(rawQuery string) (req ArchiveRequest, ok bool, err error) {
	q, err := url.ParseQuery(rawQuery)
	if err != nil {
		return ArchiveRequest{}, false, err
	}
	id := q.Get(ParamArchive)
	if id == "" {
		return ArchiveRequest{}, false, nil
	}
	return ArchiveRequest{ArchiveID: id, Path: q.Get(ParamPath)}, true, nil
}

// ParseArchiveURL is ParseArchiveQuery for a full URL.
func ParseArchiveURL(rawURL string) (ArchiveRequest, bool, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ArchiveRequest{}, false, err
	}
	return ParseArchiveQuery(u.RawQuery)
}

// TargetURL returns where a cache miss for req is fetched from: path joined
// under base/<archive id> when a path is given, else sourceURL.
func TargetURL(base, sourceURL string, req ArchiveRequest) (string, error) {
	p := strings.TrimLeft(req.Path, "/")
	if p == "" {
		return sourceURL, nil
	}

	root, err := url.JoinPath(base, req.ArchiveID)
	if err != nil {
		return "", err
	}
	target, err := url.JoinPath(root, p)
	if err != nil {
		return "", err
	}
	if !strings.HasPrefix(root, strings.TrimRight(base, "/")+"/") || !strings.HasPrefix(target, root+"/") {
		return "", ErrPathEscapes
	}
	return target, nil
}
