// internal/gmapi/wrap.go
package gmapi

import (
	_ "embed"
	"fmt"
	"strings"
	"time"

	"github.com/xkilldash9x/scriptmonkey/internal/userscript"
)

//go:embed prelude.js
var preludeTemplate string

const (
	bootPlaceholder = "/*{{SCRIPTMONKEY_BOOT}}*/"
	bodyPlaceholder = "/*{{SCRIPTMONKEY_BODY}}*/"
)

// Params are the identifiers every script body receives, in order.
var Params = []string{
	"GM_info",
	"GM_getValue",
	"GM_setValue",
	"GM_deleteValue",
	"GM_listValues",
	"GM_getResourceText",
	"GM_getResourceURL",
	"GM_addStyle",
	"GM_registerMenuCommand",
	"GM_unregisterMenuCommand",
	"GM_xmlhttpRequest",
	"GM_notification",
	"GM_openInTab",
	"GM_setClipboard",
	"GM",
	"unsafeWindow",
}

// Body returns a function expression taking Params whose body runs the @require
// dependencies followed by the script source.
func Body(d *userscript.Descriptor, requires []string) string {
	var b strings.Builder
	b.WriteString("function (")
	b.WriteString(strings.Join(Params, ", "))
	b.WriteString(") {\n")
	for _, r := range requires {
		b.WriteString(r)
		b.WriteString("\n;\n")
	}
	b.WriteString(d.Source)
	b.WriteString("\n}")
	return b.String()
}

// BootResource is a @resource as seen by the page-side runtime.
type BootResource struct {
	Text string `json:"text"`
	URL  string `json:"url"`
}

// Boot is the state a page-side runtime starts from.
type Boot struct {
	ID        string                  `json:"id"`
	Name      string                  `json:"name"`
	Binding   string                  `json:"binding"`
	Params    []string                `json:"params"`
	Info      Info                    `json:"info"`
	Values    map[string]interface{}  `json:"values"`
	Resources map[string]BootResource `json:"resources"`
}

// Boot snapshots the script's values and resources for a page-side runtime that
// reaches Go through the named binding.
func (s *Surface) Boot(binding string) Boot {
	res := make(map[string]BootResource, len(s.script.Resources))
	for _, r := range s.script.Resources {
		res[r.Name] = BootResource{Text: s.GetResourceText(r.Name), URL: s.GetResourceURL(r.Name)}
	}
	return Boot{
		ID:        s.script.ID,
		Name:      s.script.Name,
		Binding:   binding,
		Params:    Params,
		Info:      s.Info(),
		Values:    s.Values(),
		Resources: res,
	}
}

// Wrap renders the self-contained payload for targets that evaluate code strings:
// the page-side runtime, the boot snapshot and the script body.
func (s *Surface) Wrap(binding string, requires []string) (string, error) {
	boot, err := json.MarshalToString(s.Boot(binding))
	if err != nil {
		return "", fmt.Errorf("encode boot data: %w", err)
	}
	return render(preludeTemplate, boot, Body(s.script, requires), s.script.Name)
}

func render(template, boot, body, name string) (string, error) {
	if !strings.Contains(template, bootPlaceholder) || !strings.Contains(template, bodyPlaceholder) {
		return "", fmt.Errorf("prelude template is missing a placeholder")
	}
	out := strings.NewReplacer(bootPlaceholder, boot, bodyPlaceholder, body).Replace(template)
	return out + "\n//# sourceURL=userscript:" + sourceName(name) + "\n", nil
}

func sourceName(name string) string {
	return strings.Map(func(r rune) rune {
		if r == ' ' || r == '\n' || r == '\r' {
			return '_'
		}
		return r
	}, name)
}

func msDuration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
