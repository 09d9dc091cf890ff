// internal/gmapi/resources.go
package gmapi

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// GetResourceText returns the content of the named @resource, or "" while it is
// still loading or when the name is not declared.
func (s *Surface) GetResourceText(name string) string {
	var text string
	_ = s.guard("GM_getResourceText", func() error {
		r, ok := s.script.Resource(name)
		if !ok {
			return fmt.Errorf("no @resource named %q", name)
		}
		text = s.cache.GetText(r.URL)
		return nil
	})
	return text
}

// GetResourceURL returns a local data reference to the named @resource once loaded,
// otherwise its remote URL.
func (s *Surface) GetResourceURL(name string) string {
	var ref string
	_ = s.guard("GM_getResourceURL", func() error {
		r, ok := s.script.Resource(name)
		if !ok {
			return fmt.Errorf("no @resource named %q", name)
		}
		ref = s.cache.GetURL(r.URL)
		return nil
	})
	return ref
}

// PreloadResources fetches every @resource so that the synchronous getters see
// content on first access.
func (s *Surface) PreloadResources(ctx context.Context) {
	urls := make([]string, 0, len(s.script.Resources))
	for _, r := range s.script.Resources {
		urls = append(urls, r.URL)
	}
	s.cache.Preload(ctx, urls...)
}

// LoadRequires fetches the @require scripts in declaration order. A dependency that
// cannot be loaded is logged and skipped.
func (s *Surface) LoadRequires(ctx context.Context) []string {
	out := make([]string, 0, len(s.script.RequireURLs))
	for _, u := range s.script.RequireURLs {
		text, err := s.cache.Load(ctx, u)
		if err != nil {
			s.log.Warn("Skipping @require that failed to load", zap.String("url", u), zap.Error(err))
			continue
		}
		out = append(out, text)
	}
	return out
}

// AddStyle appends a style element holding css to the target document.
func (s *Surface) AddStyle(css string) bool {
	err := s.guard("GM_addStyle", func() error {
		if s.env.Styles == nil {
			return fmt.Errorf("target has no document")
		}
		return s.env.Styles.AddStyle(s.ctx, css)
	})
	return err == nil
}
