// Package dispatch maps gateway paths onto catalog entries.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/DevChiJay/API-Key-Management-Platform/internal/gateway/apierror"
	"github.com/DevChiJay/API-Key-Management-Platform/internal/shared/models"
	"github.com/DevChiJay/API-Key-Management-Platform/internal/shared/store"
)

// Target is a resolved dispatch destination
type Target struct {
	Entry         *models.CatalogEntry
	Slug          string
	RemainderPath string
}

type Router struct {
	catalog store.CatalogStore
	prefix  string
}

// NewRouter creates a router for paths under prefix (e.g. "/gateway")
func NewRouter(catalog store.CatalogStore, prefix string) *Router {
	return &Router{
		catalog: catalog,
		prefix:  strings.TrimRight(prefix, "/"),
	}
}

// SplitPath extracts the API slug and the remainder path from a gateway path.
// The remainder always starts with "/". Paths with "." or ".." segments are
// rejected so a remainder can never climb out of the entry's base path.
func (rt *Router) SplitPath(path string) (slug, remainder string, ok bool) {
	if !strings.HasPrefix(path, rt.prefix+"/") {
		return "", "", false
	}
	rest := path[len(rt.prefix)+1:]
	if hasDotSegment(rest) {
		return "", "", false
	}

	slug, remainder, found := strings.Cut(rest, "/")
	if !found {
		remainder = "/"
	} else {
		remainder = "/" + remainder
	}
	return strings.ToLower(slug), remainder, slug != ""
}

// hasDotSegment reports whether p has a "." or ".." segment. Backslashes
// count as separators since some upstreams normalize them to "/".
func hasDotSegment(p string) bool {
	segments := strings.FieldsFunc(p, func(r rune) bool { return r == '/' || r == '\\' })
	for _, seg := range segments {
		if seg == "." || seg == ".." {
			return true
		}
	}
	return false
}

// Resolve finds the catalog entry for path and checks that auth may reach it.
// auth is nil for requests that carried no key.
func (rt *Router) Resolve(ctx context.Context, path string, auth *models.AuthContext) (*Target, error) {
	slug, remainder, ok := rt.SplitPath(path)
	if !ok {
		return nil, apierror.NotFound("API not found")
	}

	entry, err := rt.catalog.FindActiveBySlug(ctx, slug)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apierror.NotFound(fmt.Sprintf("API '%s' not found", slug))
	}
	if err != nil {
		return nil, apierror.Internal(err)
	}

	if auth == nil {
		if entry.AuthRequired {
			return nil, apierror.Unauthorized("missing API key")
		}
	} else if auth.ScopeSlug != slug {
		return nil, apierror.Forbidden(fmt.Sprintf("This API key does not have access to '%s'", slug))
	}

	return &Target{Entry: entry, Slug: slug, RemainderPath: remainder}, nil
}
