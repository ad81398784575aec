// Package app exposes the version control service over HTTP.
package app

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/happy-geeks/wiser-sub008/internal/auth"
	"github.com/happy-geeks/wiser-sub008/internal/search"
	"github.com/happy-geeks/wiser-sub008/internal/versioncontrol"
)

// ReadinessCheck is one dependency probed by /api/ready.
type ReadinessCheck struct {
	Name string
	Ping func(ctx context.Context) error
}

type Service struct {
	versions *versioncontrol.Service
	search   *search.Service
	resolver *auth.Resolver
	checks   []ReadinessCheck
}

func NewService(versions *versioncontrol.Service, searcher *search.Service, resolver *auth.Resolver, checks ...ReadinessCheck) *Service {
	return &Service{versions: versions, search: searcher, resolver: resolver, checks: checks}
}

// Identity resolves the caller of r.
func (s *Service) Identity(r *http.Request) (versioncontrol.Identity, error) {
	claims, err := s.resolver.Resolve(r)
	if err != nil {
		return versioncontrol.Identity{}, err
	}
	return versioncontrol.Identity{UserID: claims.Sub, DisplayName: strings.TrimSpace(claims.Name)}, nil
}

// Ready runs every readiness check and reports per-dependency results.
func (s *Service) Ready(ctx context.Context) (bool, map[string]any) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	ok := true
	checks := map[string]any{}
	for _, check := range s.checks {
		if err := check.Ping(ctx); err != nil {
			ok = false
			checks[check.Name] = map[string]any{"status": "error", "error": err.Error()}
			continue
		}
		checks[check.Name] = map[string]any{"status": "ok"}
	}
	return ok, checks
}

func (s *Service) SearchCommits(ctx context.Context, q search.Query) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}
	}
	return s.search.Search(ctx, q)
}
