// internal/gmapi/table.go
package gmapi

import (
	"context"
	"fmt"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Call is a structured request sent by the page-side runtime through a target binding.
type Call struct {
	ID     int64                 `json:"id"`
	Script string                `json:"script"`
	Fn     string                `json:"fn"`
	Args   []jsoniter.RawMessage `json:"args"`
}

// Reply answers a Call.
type Reply struct {
	ID     int64       `json:"id"`
	Result interface{} `json:"result,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// Event is pushed from Go to the page-side runtime, e.g. to run a menu callback.
type Event struct {
	Type string `json:"type"`
	Key  string `json:"key"`
}

// Remote delivers events back to the page a table serves.
type Remote interface {
	Emit(ctx context.Context, ev Event) error
}

// Handler implements one API function for a remote caller.
type Handler func(args []jsoniter.RawMessage) (interface{}, error)

// Table maps API function names to handlers.
type Table map[string]Handler

// ParseCall decodes a binding payload.
func ParseCall(payload string) (Call, error) {
	var c Call
	if err := json.UnmarshalFromString(payload, &c); err != nil {
		return Call{}, fmt.Errorf("malformed binding payload: %w", err)
	}
	if c.Fn == "" {
		return Call{}, fmt.Errorf("binding payload without fn")
	}
	return c, nil
}

// Serve runs the handler named by c.Fn.
func (t Table) Serve(c Call) Reply {
	h, ok := t[c.Fn]
	if !ok {
		return Reply{ID: c.ID, Error: fmt.Sprintf("unknown function %q", c.Fn)}
	}
	res, err := h(c.Args)
	if err != nil {
		return Reply{ID: c.ID, Error: err.Error()}
	}
	return Reply{ID: c.ID, Result: res}
}

// Blocking reports whether the handler for fn waits on the network. Callers serve
// such calls concurrently and everything else in arrival order.
func Blocking(fn string) bool {
	return fn == "GM_xmlhttpRequest"
}

func arg[T any](args []jsoniter.RawMessage, i int) (T, error) {
	var v T
	if i >= len(args) || len(args[i]) == 0 || string(args[i]) == "null" {
		return v, nil
	}
	if err := json.Unmarshal(args[i], &v); err != nil {
		return v, fmt.Errorf("argument %d: %w", i, err)
	}
	return v, nil
}

type remoteNotification struct {
	Title   string `json:"title"`
	Text    string `json:"text"`
	Image   string `json:"image"`
	Timeout int    `json:"timeout"`
}

// Table exposes the surface to a remote page runtime. Menu callbacks and request
// aborts are correlated by page-chosen keys.
func (s *Surface) Table(remote Remote) Table {
	var mu sync.Mutex
	menuKeys := make(map[string]int)
	xhrKeys := make(map[string]string)

	return Table{
		"GM_getValue": func(args []jsoniter.RawMessage) (interface{}, error) {
			name, err := arg[string](args, 0)
			if err != nil {
				return nil, err
			}
			def, err := arg[interface{}](args, 1)
			if err != nil {
				return nil, err
			}
			return s.GetValue(name, def), nil
		},
		"GM_setValue": func(args []jsoniter.RawMessage) (interface{}, error) {
			name, err := arg[string](args, 0)
			if err != nil {
				return nil, err
			}
			v, err := arg[interface{}](args, 1)
			if err != nil {
				return nil, err
			}
			s.SetValue(name, v)
			return nil, nil
		},
		"GM_deleteValue": func(args []jsoniter.RawMessage) (interface{}, error) {
			name, err := arg[string](args, 0)
			if err != nil {
				return nil, err
			}
			s.DeleteValue(name)
			return nil, nil
		},
		"GM_listValues": func([]jsoniter.RawMessage) (interface{}, error) {
			return s.ListValues(), nil
		},
		"GM_getResourceText": func(args []jsoniter.RawMessage) (interface{}, error) {
			name, err := arg[string](args, 0)
			if err != nil {
				return nil, err
			}
			return s.GetResourceText(name), nil
		},
		"GM_getResourceURL": func(args []jsoniter.RawMessage) (interface{}, error) {
			name, err := arg[string](args, 0)
			if err != nil {
				return nil, err
			}
			return s.GetResourceURL(name), nil
		},
		"GM_registerMenuCommand": func(args []jsoniter.RawMessage) (interface{}, error) {
			caption, err := arg[string](args, 0)
			if err != nil {
				return nil, err
			}
			key, err := arg[string](args, 1)
			if err != nil {
				return nil, err
			}
			id := s.RegisterMenuCommand(caption, func() {
				if err := remote.Emit(s.ctx, Event{Type: "menu", Key: key}); err != nil {
					panic(err)
				}
			})
			mu.Lock()
			menuKeys[key] = id
			mu.Unlock()
			return id, nil
		},
		"GM_unregisterMenuCommand": func(args []jsoniter.RawMessage) (interface{}, error) {
			key, err := arg[string](args, 0)
			if err != nil {
				return nil, err
			}
			mu.Lock()
			id, ok := menuKeys[key]
			delete(menuKeys, key)
			mu.Unlock()
			if ok {
				s.UnregisterMenuCommand(id)
			}
			return nil, nil
		},
		"GM_xmlhttpRequest": func(args []jsoniter.RawMessage) (interface{}, error) {
			req, err := arg[Request](args, 0)
			if err != nil {
				return nil, err
			}
			token, err := arg[string](args, 1)
			if err != nil {
				return nil, err
			}
			h := s.XMLHttpRequest(req)
			mu.Lock()
			xhrKeys[token] = h.ID()
			mu.Unlock()
			defer func() {
				mu.Lock()
				delete(xhrKeys, token)
				mu.Unlock()
			}()
			return h.Wait(s.ctx)
		},
		"GM_xmlhttpRequest.abort": func(args []jsoniter.RawMessage) (interface{}, error) {
			token, err := arg[string](args, 0)
			if err != nil {
				return nil, err
			}
			mu.Lock()
			id, ok := xhrKeys[token]
			mu.Unlock()
			if ok {
				s.AbortRequest(id)
			}
			return ok, nil
		},
		"GM_notification": func(args []jsoniter.RawMessage) (interface{}, error) {
			n, err := arg[remoteNotification](args, 0)
			if err != nil {
				return nil, err
			}
			s.Notification(Notification{
				Title:   n.Title,
				Text:    n.Text,
				Image:   n.Image,
				Timeout: msDuration(n.Timeout),
			})
			return nil, nil
		},
		"GM_openInTab": func(args []jsoniter.RawMessage) (interface{}, error) {
			u, err := arg[string](args, 0)
			if err != nil {
				return nil, err
			}
			bg, err := arg[bool](args, 1)
			if err != nil {
				return nil, err
			}
			s.OpenInTab(u, bg)
			return nil, nil
		},
		"GM_setClipboard": func(args []jsoniter.RawMessage) (interface{}, error) {
			data, err := arg[string](args, 0)
			if err != nil {
				return nil, err
			}
			typ, err := arg[string](args, 1)
			if err != nil {
				return nil, err
			}
			s.SetClipboard(data, typ)
			return nil, nil
		},
		"script_error": func(args []jsoniter.RawMessage) (interface{}, error) {
			msg, _ := arg[string](args, 0)
			s.log.Error("Userscript threw", zap.String("error", msg))
			return nil, nil
		},
	}
}
