package gojadom

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/scriptmonkey/internal/gmapi"
	"github.com/xkilldash9x/scriptmonkey/internal/resource"
	"github.com/xkilldash9x/scriptmonkey/internal/store"
	"github.com/xkilldash9x/scriptmonkey/internal/target"
	"github.com/xkilldash9x/scriptmonkey/internal/userscript"
)

const page = `<!DOCTYPE html><html><head><title>Fixture</title></head>
<body><div id="main" class="content wide"><p class="note">one</p><p>two</p></div></body></html>`

type noFetch struct{}

func (noFetch) FetchText(context.Context, string) (string, error) {
	return "", errors.New("offline")
}

type env struct {
	storage store.Storage
	builder *gmapi.Builder
	logger  *zap.Logger
}

func newEnv(t *testing.T) *env {
	t.Helper()
	logger := zaptest.NewLogger(t)
	cache := resource.NewCache(noFetch{}, logger)
	t.Cleanup(cache.Dispose)
	storage := store.NewMemory()
	return &env{storage: storage, builder: gmapi.NewBuilder(storage, cache, logger), logger: logger}
}

func (e *env) doc(t *testing.T, opts Options) *Document {
	t.Helper()
	if opts.URL == "" {
		opts.URL = "https://example.com/index.html"
	}
	if opts.HTML == "" {
		opts.HTML = page
	}
	d, err := New(opts, e.logger)
	require.NoError(t, err)
	t.Cleanup(d.Close)
	return d
}

func (e *env) payload(t *testing.T, d *Document, name, source string) *target.Payload {
	t.Helper()
	desc := &userscript.Descriptor{Name: name, Namespace: "test", Version: "1.0", Enabled: true, Source: source}
	desc.ID = userscript.DeriveID(desc.Namespace, desc.Name)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return &target.Payload{Script: desc, Surface: e.builder.Build(ctx, desc, d.Env())}
}

func eval(t *testing.T, d *Document, src string) interface{} {
	t.Helper()
	v, err := d.Eval(context.Background(), src)
	require.NoError(t, err)
	return v
}

func TestDocument_DOMQueries(t *testing.T) {
	e := newEnv(t)
	d := e.doc(t, Options{})

	assert.Equal(t, "Fixture", eval(t, d, `document.title`))
	assert.Equal(t, "one", eval(t, d, `document.querySelector('#main p.note').textContent`))
	assert.EqualValues(t, 2, eval(t, d, `document.querySelectorAll('div.content p').length`))
	assert.Equal(t, true, eval(t, d, `document.getElementById('main') === document.querySelector('#main')`))
	assert.Equal(t, "example.com", eval(t, d, `location.hostname`))

	eval(t, d, `var el = document.createElement('span'); el.id = 'added'; el.textContent = 'hi'; document.body.appendChild(el);`)
	assert.Contains(t, d.HTML(), `<span id="added">hi</span>`)
	assert.Equal(t, "BODY", eval(t, d, `document.getElementById('added').parentNode.tagName`))
}

func TestDocument_Capabilities(t *testing.T) {
	e := newEnv(t)
	plain := e.doc(t, Options{})
	bridged := e.doc(t, Options{HostBridge: true})

	assert.True(t, plain.Capabilities().Has(target.DirectDOMAccess|target.ScriptedEvaluation))
	assert.False(t, plain.Capabilities().Has(target.HostBridgeEvaluation))
	assert.True(t, bridged.Capabilities().Has(target.HostBridgeEvaluation))
	assert.False(t, plain.IsFrame())
	assert.True(t, strings.HasPrefix(plain.Identity(), "goja:"))
}

func TestDocument_InjectScriptBindsSurface(t *testing.T) {
	e := newEnv(t)
	d := e.doc(t, Options{})
	p := e.payload(t, d, "Binder", `
		GM_setValue('count', GM_getValue('count', 41) + 1);
		window.seen = GM_getValue('absent', 'fallback');
		window.who = GM_info.script.name;
		GM_addStyle('body { color: red; }');
		window.menu = GM_registerMenuCommand('Say hi', function () { window.hi = true; });
		document.body.setAttribute('data-touched', GM_listValues().join(','));
	`)

	require.NoError(t, d.InjectScript(context.Background(), p))

	assert.Equal(t, float64(42), p.Surface.GetValue("count", nil))
	assert.Equal(t, "fallback", eval(t, d, `window.seen`))
	assert.Equal(t, "Binder", eval(t, d, `window.who`))
	assert.Contains(t, d.HTML(), "<style>body { color: red; }</style>")
	assert.Contains(t, d.HTML(), `data-touched="count"`)
	assert.Contains(t, d.HTML(), `data-userscript="Binder"`)

	cmds := p.Surface.Menu().Commands()
	require.Len(t, cmds, 1)
	assert.Equal(t, "Say hi", cmds[0].Caption)
	require.True(t, p.Surface.Menu().Invoke(cmds[0].ID))
	assert.Eventually(t, func() bool { return eval(t, d, `window.hi === true`) == true }, time.Second, 10*time.Millisecond)
}

func TestDocument_InjectScriptAsyncNamespace(t *testing.T) {
	e := newEnv(t)
	d := e.doc(t, Options{})
	p := e.payload(t, d, "Async", `
		GM.setValue('k', {a: 1}).then(function () { return GM.getValue('k'); })
			.then(function (v) { window.got = v.a; });
	`)
	require.NoError(t, d.InjectScript(context.Background(), p))
	assert.Eventually(t, func() bool { return eval(t, d, `window.got`) == int64(1) }, time.Second, 10*time.Millisecond)
}

func TestDocument_ScriptExceptionIsNotDeliveryFailure(t *testing.T) {
	e := newEnv(t)
	d := e.doc(t, Options{})

	err := d.InjectScript(context.Background(), e.payload(t, d, "Thrower", `throw new Error('boom');`))
	assert.NoError(t, err)

	err = d.InjectScript(context.Background(), e.payload(t, d, "Broken", `this is not javascript (`))
	require.Error(t, err)
	assert.False(t, errors.Is(err, target.ErrAccessDenied))
}

func TestDocument_DirectDOMDenied(t *testing.T) {
	e := newEnv(t)
	cross := e.doc(t, Options{CrossOrigin: true})
	csp := e.doc(t, Options{HTML: `<html><head><meta http-equiv="Content-Security-Policy" content="default-src 'self'; script-src 'self'"></head><body></body></html>`})
	relaxed := e.doc(t, Options{HTML: `<html><head><meta http-equiv="Content-Security-Policy" content="script-src 'self' 'unsafe-inline'"></head><body></body></html>`})

	err := cross.InjectScript(context.Background(), e.payload(t, cross, "X", `window.ran = true;`))
	assert.ErrorIs(t, err, target.ErrAccessDenied)

	err = csp.InjectScript(context.Background(), e.payload(t, csp, "X", `window.ran = true;`))
	assert.ErrorIs(t, err, target.ErrAccessDenied)
	assert.Nil(t, eval(t, csp, `window.ran`))

	require.NoError(t, relaxed.InjectScript(context.Background(), e.payload(t, relaxed, "X", `window.ran = true;`)))
	assert.Equal(t, true, eval(t, relaxed, `window.ran`))
}

func TestDocument_ExecuteThroughBinding(t *testing.T) {
	e := newEnv(t)
	d := e.doc(t, Options{HostBridge: true})
	p := e.payload(t, d, "Bridged", `
		GM_setValue('mode', 'bridge');
		window.snapshot = GM_getValue('mode');
		GM.getValue('mode').then(function (v) { window.canonical = v; });
		GM_registerMenuCommand('Ping', function () { window.pinged = true; });
	`)

	require.NoError(t, d.Execute(context.Background(), p))

	assert.Equal(t, "bridge", eval(t, d, `window.snapshot`))
	assert.Eventually(t, func() bool { return p.Surface.GetValue("mode", nil) == "bridge" }, time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return eval(t, d, `window.canonical`) == "bridge" }, time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool { return len(p.Surface.Menu().Commands()) == 1 }, time.Second, 10*time.Millisecond)
	require.True(t, p.Surface.Menu().Invoke(p.Surface.Menu().Commands()[0].ID))
	assert.Eventually(t, func() bool { return eval(t, d, `window.pinged === true`) == true }, time.Second, 10*time.Millisecond)
}

func TestDocument_ExecuteWithoutBridgeIsDenied(t *testing.T) {
	e := newEnv(t)
	d := e.doc(t, Options{})
	err := d.Execute(context.Background(), e.payload(t, d, "X", `void 0;`))
	assert.ErrorIs(t, err, target.ErrAccessDenied)
}

func TestDocument_InjectDetached(t *testing.T) {
	e := newEnv(t)
	d := e.doc(t, Options{Auxiliary: true, CrossOrigin: true})
	p := e.payload(t, d, "Detached", `GM_setValue('where', 'aux');`)

	require.NoError(t, d.InjectDetached(context.Background(), p))
	assert.Eventually(t, func() bool { return p.Surface.GetValue("where", nil) == "aux" }, time.Second, 10*time.Millisecond)

	off := e.doc(t, Options{})
	err := off.InjectDetached(context.Background(), e.payload(t, off, "Detached", `void 0;`))
	assert.ErrorIs(t, err, target.ErrAccessDenied)
}

const bindingFlood = `for (var i = 0; i < 1000; i++) { GM_setValue('k' + i, i); }`

func TestDocument_ExecuteSurvivesBindingFlood(t *testing.T) {
	e := newEnv(t)
	d := e.doc(t, Options{HostBridge: true})
	p := e.payload(t, d, "Flood", bindingFlood)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.Execute(ctx, p))
	assert.Eventually(t, func() bool { return len(p.Surface.ListValues()) == 1000 }, 5*time.Second, 10*time.Millisecond)
	assert.EqualValues(t, 2, eval(t, d, `1 + 1`))
}

func TestDocument_InjectDetachedSurvivesBindingFlood(t *testing.T) {
	e := newEnv(t)
	d := e.doc(t, Options{Auxiliary: true})
	p := e.payload(t, d, "DetachedFlood", bindingFlood)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.InjectDetached(ctx, p))
	assert.Eventually(t, func() bool { return len(p.Surface.ListValues()) == 1000 }, 5*time.Second, 10*time.Millisecond)
}

func TestDocument_SetReadyFiresEvents(t *testing.T) {
	e := newEnv(t)
	d := e.doc(t, Options{})
	eval(t, d, `
		window.events = [];
		document.addEventListener('DOMContentLoaded', function () { events.push('dcl:' + document.readyState); });
		window.addEventListener('load', function () { events.push('load:' + document.readyState); });
	`)

	var states []target.ReadyState
	unsub := d.Readiness().Subscribe(func(s target.ReadyState) { states = append(states, s) })
	defer unsub()

	require.NoError(t, d.SetReady(context.Background(), target.InteractiveContentReady))
	require.NoError(t, d.SetReady(context.Background(), target.InteractiveContentReady))
	require.NoError(t, d.Load(context.Background()))

	assert.Equal(t, "dcl:interactive,load:complete", eval(t, d, `events.join(',')`))
	assert.Equal(t, target.Complete, d.Readiness().State())
	assert.Equal(t, []target.ReadyState{target.InteractiveContentReady, target.Complete}, states)
}

func TestDocument_RunPageScripts(t *testing.T) {
	e := newEnv(t)
	d := e.doc(t, Options{
		RunPageScripts: true,
		HTML: `<html><head><script>window.a = 1;</script>
			<script src="` + encodeDataURL("window.b = window.a + 1;") + `"></script>
			<script src="https://cdn.example.com/x.js"></script>
			<script>throw new Error('page bug');</script></head><body></body></html>`,
	})
	require.NoError(t, d.Load(context.Background()))
	assert.EqualValues(t, 2, eval(t, d, `window.b`))
}

func TestDocument_Timers(t *testing.T) {
	e := newEnv(t)
	d := e.doc(t, Options{})
	eval(t, d, `
		window.fired = 0;
		setTimeout(function () { fired++; }, 5);
		var cancelled = setTimeout(function () { fired += 100; }, 5);
		clearTimeout(cancelled);
		var ticks = 0;
		var iv = setInterval(function () { if (++ticks === 3) clearInterval(iv); }, 1);
	`)
	assert.Eventually(t, func() bool {
		return eval(t, d, `fired === 1 && ticks === 3`) == true
	}, time.Second, 10*time.Millisecond)
}

func TestDocument_ContextInterruptsScript(t *testing.T) {
	e := newEnv(t)
	d := e.doc(t, Options{})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := d.InjectScript(ctx, e.payload(t, d, "Spinner", `for (;;) {}`))
	require.Error(t, err)

	assert.EqualValues(t, 2, eval(t, d, `1 + 1`), "loop stays usable after an interrupted script")
}

func TestDocument_FramesAndClose(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	logger := zaptest.NewLogger(t)
	root, err := New(Options{URL: "https://example.com/", HTML: page}, logger)
	require.NoError(t, err)

	early, err := root.AttachFrame(Options{URL: "https://example.com/early"})
	require.NoError(t, err)

	var seen []string
	stop := root.WatchChildren(func(c target.Target) { seen = append(seen, c.URL()) })
	late, err := root.AttachFrame(Options{URL: "https://ads.example.net/late", CrossOrigin: true})
	require.NoError(t, err)
	stop()
	_, err = root.AttachFrame(Options{URL: "https://example.com/unwatched"})
	require.NoError(t, err)

	assert.Equal(t, []string{"https://example.com/early", "https://ads.example.net/late"}, seen)
	assert.True(t, late.IsFrame())

	early.Close()
	root.Close()
	for _, d := range []*Document{root, early, late} {
		select {
		case <-d.Done():
		default:
			t.Fatalf("%s not closed", d.URL())
		}
	}
	_, err = root.Eval(context.Background(), `1`)
	assert.ErrorIs(t, err, target.ErrClosed)
}

func TestTranslateCSSToXPath(t *testing.T) {
	cases := map[string]string{
		"div":                  "//div",
		"#main":                "//*[@id='main']",
		"p.note":               "//p[contains(concat(' ', normalize-space(@class), ' '), ' note ')]",
		"div p":                "//div//p",
		"a[href]":              "//a[@href]",
		"input[type=checkbox]": "//input[@type='checkbox']",
		"h1, h2":               "//h1 | //h2",
		"//already/xpath":      "//already/xpath",
	}
	for css, want := range cases {
		assert.Equal(t, want, translateCSSToXPath(css), css)
	}
}

func TestPolicyBlocksInline(t *testing.T) {
	assert.True(t, policyBlocksInline("default-src 'self'"))
	assert.True(t, policyBlocksInline("script-src 'self' https://cdn.example.com"))
	assert.False(t, policyBlocksInline("script-src 'unsafe-inline'"))
	assert.False(t, policyBlocksInline("img-src *"))
}

func TestDataURL(t *testing.T) {
	body, err := decodeDataURL(encodeDataURL("let x = '✓';"))
	require.NoError(t, err)
	assert.Equal(t, "let x = '✓';", body)

	body, err = decodeDataURL("data:text/javascript,window.x%3D1")
	require.NoError(t, err)
	assert.Equal(t, "window.x=1", body)

	_, err = decodeDataURL("https://example.com/a.js")
	assert.Error(t, err)
}
