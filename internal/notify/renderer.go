package notify

import (
	"github.com/yanun0323/logs"
)

// Renderer displays a decoded notification. Implementations must tolerate
// being invoked while a previous notification is still visible (replace
// semantics); the connection core does not serialize access.
type Renderer interface {
	Render(content Content, options map[string]any)
}

// RendererFunc adapts a function to the Renderer interface.
type RendererFunc func(content Content, options map[string]any)

func (f RendererFunc) Render(content Content, options map[string]any) {
	f(content, options)
}

// LogRenderer writes notifications to the log. Used as the default sink when
// no real renderer is wired.
type LogRenderer struct{}

func (LogRenderer) Render(content Content, options map[string]any) {
	logs.Infof("notification: title=%q body=%q link=%q button=%q options=%v",
		content.Title, content.Body, content.Link, content.ButtonText, options)
}
