// internal/gmapi/host.go
package gmapi

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Notification is a GM_notification request.
type Notification struct {
	Title   string        `json:"title"`
	Text    string        `json:"text"`
	Image   string        `json:"image,omitempty"`
	Timeout time.Duration `json:"timeout,omitempty"`
}

// Host performs the side effects that belong to the surrounding application rather
// than to a page: notifications, tabs and the clipboard.
type Host interface {
	Notify(ctx context.Context, script string, n Notification) error
	OpenInTab(ctx context.Context, script, url string, background bool) error
	SetClipboard(ctx context.Context, script, data, mimeType string) error
}

// LogHost records host requests in the log and performs no UI action.
type LogHost struct {
	log *zap.Logger
}

// NewLogHost returns a Host that only logs.
func NewLogHost(logger *zap.Logger) *LogHost {
	return &LogHost{log: logger.Named("host")}
}

func (h *LogHost) Notify(_ context.Context, script string, n Notification) error {
	h.log.Info("Notification",
		zap.String("script", script),
		zap.String("title", n.Title),
		zap.String("text", n.Text))
	return nil
}

func (h *LogHost) OpenInTab(_ context.Context, script, url string, background bool) error {
	h.log.Info("Open in tab requested",
		zap.String("script", script),
		zap.String("url", url),
		zap.Bool("background", background))
	return nil
}

func (h *LogHost) SetClipboard(_ context.Context, script, data, mimeType string) error {
	h.log.Info("Clipboard write requested",
		zap.String("script", script),
		zap.String("type", mimeType),
		zap.Int("bytes", len(data)))
	return nil
}

// Notification is GM_notification.
func (s *Surface) Notification(n Notification) {
	if n.Title == "" {
		n.Title = s.script.Name
	}
	_ = s.guard("GM_notification", func() error {
		return s.host.Notify(s.ctx, s.script.Name, n)
	})
}

// OpenInTab is GM_openInTab.
func (s *Surface) OpenInTab(url string, background bool) {
	_ = s.guard("GM_openInTab", func() error {
		resolved, err := s.resolve(url)
		if err != nil {
			return err
		}
		return s.host.OpenInTab(s.ctx, s.script.Name, resolved, background)
	})
}

// SetClipboard is GM_setClipboard.
func (s *Surface) SetClipboard(data, mimeType string) {
	if mimeType == "" || mimeType == "text" {
		mimeType = "text/plain"
	}
	_ = s.guard("GM_setClipboard", func() error {
		return s.host.SetClipboard(s.ctx, s.script.Name, data, mimeType)
	})
}
