package persist

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"

	"pkt.systems/rtnode/internal/journal"
	"pkt.systems/rtnode/internal/path"
	"pkt.systems/rtnode/internal/resourceid"
)

// On-disk layout below the data directory, all paths slash separated:
//
//	resources/<id>/<rev>.rev       revision blobs
//	resources/<id>/<rev>.tomb      removal marker
//	resources/<id>/links/<escaped> reverse path index
//	paths/<ctx>/<components>/.link path index, holds a linkRecord
//	staging/<txn>-<n>.blob         blobs written before commit
//	quarantine/<seq>-<slot>.slot   journal slots that failed validation
const (
	resourcesDir  = "resources"
	pathsDir      = "paths"
	stagingDir    = "staging"
	quarantineDir = "quarantine"
	linksDir      = "links"
	linkFile      = ".link"
	revSuffix     = ".rev"
	tombSuffix    = ".tomb"
	noContextDir  = "_"
)

func resourceRel(id resourceid.ID) string {
	return resourcesDir + "/" + id.String()
}

func revisionRel(id resourceid.ID, rev journal.Revision) string {
	return resourceRel(id) + "/" + rev.String() + revSuffix
}

func tombRel(id resourceid.ID, rev journal.Revision) string {
	return resourceRel(id) + "/" + rev.String() + tombSuffix
}

func reverseLinkRel(id resourceid.ID, p path.Path) string {
	return resourceRel(id) + "/" + linksDir + "/" + escape(p.String())
}

// pathDirRel maps a concrete path to its index directory. Contexts are
// prefixed with "@" so no context can collide with the no-context bucket.
func pathDirRel(p path.Path) string {
	parts := make([]string, 0, p.Len()+2)
	parts = append(parts, pathsDir)
	if p.HasContext() {
		parts = append(parts, "@"+escape(p.Context()))
	} else {
		parts = append(parts, noContextDir)
	}
	for _, c := range p.Components() {
		parts = append(parts, escape(c))
	}
	return strings.Join(parts, "/")
}

func linkRel(p path.Path) string {
	return pathDirRel(p) + "/" + linkFile
}

// escape makes a path component safe as a single file name.
func escape(s string) string {
	e := url.PathEscape(s)
	switch e {
	case ".", "..":
		return strings.ReplaceAll(e, ".", "%2E")
	case linkFile:
		return "%2Elink"
	}
	return e
}

func unescape(s string) (string, error) {
	return url.PathUnescape(s)
}

type revisionFile struct {
	rev  journal.Revision
	tomb bool
	name string
}

func parseRevisionFile(name string) (revisionFile, bool) {
	var suffix string
	switch {
	case strings.HasSuffix(name, revSuffix):
		suffix = revSuffix
	case strings.HasSuffix(name, tombSuffix):
		suffix = tombSuffix
	default:
		return revisionFile{}, false
	}
	rev, err := journal.ParseRevision(strings.TrimSuffix(name, suffix))
	if err != nil {
		return revisionFile{}, false
	}
	return revisionFile{rev: rev, tomb: suffix == tombSuffix, name: name}, true
}

// abs resolves a store-relative path, refusing anything that escapes root.
func (e *Engine) abs(rel string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(rel))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("persist: path %q escapes data directory", rel)
	}
	return filepath.Join(e.dir, clean), nil
}
