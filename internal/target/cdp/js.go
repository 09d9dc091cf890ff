// internal/target/cdp/js.go
package cdp

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// insertScriptJS appends a script element holding src and removes it again once it
// has run. With a marker it reports whether the script actually executed by
// checking for the attribute the script sets; CSP and sandboxing leave it unset.
const insertScriptJS = `(function (src, marker) {
  var root = document.documentElement;
  if (!root) return false;
  var el = document.createElement('script');
  el.textContent = src;
  (document.head || root).appendChild(el);
  el.remove();
  if (!marker) return true;
  var ran = root.hasAttribute(marker);
  root.removeAttribute(marker);
  return ran;
})(%s, %s)`

// probeJS sets marker on the document element from page context.
const probeJS = `document.documentElement.setAttribute(%s, '1');`

func quote(s string) string {
	out, err := json.MarshalToString(s)
	if err != nil {
		return `""`
	}
	return out
}

func insertScript(src, marker string) string {
	return fmt.Sprintf(insertScriptJS, quote(src), quote(marker))
}

func probe(marker string) string {
	return fmt.Sprintf(probeJS, quote(marker))
}

// callPage renders a call of window[fn] with v as a JS literal.
func callPage(fn string, v interface{}) (string, error) {
	arg, err := json.MarshalToString(v)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("(function (f, m) { if (typeof window[f] === 'function') window[f](m); })(%s, %s)", quote(fn), arg), nil
}

func auxDocumentURL(code string) string {
	doc := `<!DOCTYPE html><html><head><script src="` + dataURL("text/javascript", code) + `"></script></head><body></body></html>`
	return dataURL("text/html", doc)
}
