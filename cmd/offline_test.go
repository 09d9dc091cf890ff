// File: cmd/offline_test.go
package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const offlinePage = `<!DOCTYPE html><html><head><title>t</title></head><body><div id="status">pending</div></body></html>`

func TestOffline(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, os.MkdirAll(env.scriptsDir, 0o755))
	script := "// ==UserScript==\n// @name Patcher\n// @match https://example.com/*\n// @run-at document-end\n// ==/UserScript==\n" +
		"document.getElementById('status').textContent = 'patched';\n"
	require.NoError(t, os.WriteFile(filepath.Join(env.scriptsDir, "patcher.user.js"), []byte(script), 0o644))
	page := env.writeFile(t, "page.html", offlinePage)

	out, err := env.execute(t, "offline", page, "--url", "https://example.com/index.html")
	require.NoError(t, err)
	assert.Contains(t, out, `<div id="status">patched</div>`)

	out, err = env.execute(t, "offline", page)
	require.NoError(t, err)
	assert.Contains(t, out, `<div id="status">pending</div>`, "file:// URLs do not match the script")
}

func TestOffline_MissingFile(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.execute(t, "offline", filepath.Join(env.dir, "absent.html"))
	assert.Error(t, err)
}
