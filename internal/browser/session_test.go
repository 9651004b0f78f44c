// internal/browser/session_test.go
package browser

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/page"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/webpilot/api/schemas"
	"github.com/xkilldash9x/webpilot/internal/config"
	"github.com/xkilldash9x/webpilot/internal/humanoid"
)

func TestQuadBounds(t *testing.T) {
	vp, ok := quadBounds(dom.Quad{10, 20, 110, 20, 110, 70, 10, 70})
	require.True(t, ok)
	assert.Equal(t, &page.Viewport{X: 10, Y: 20, Width: 100, Height: 50, Scale: 1}, vp)

	_, ok = quadBounds(dom.Quad{1, 2, 3})
	assert.False(t, ok)
	_, ok = quadBounds(dom.Quad{5, 5, 5, 5, 5, 5, 5, 5})
	assert.False(t, ok, "degenerate quad")
}

func TestFlattenFrameTree(t *testing.T) {
	tree := &page.FrameTree{
		Frame: &cdp.Frame{ID: "main", URL: "https://example.com/"},
		ChildFrames: []*page.FrameTree{
			{Frame: &cdp.Frame{ID: "a", URL: "https://www.google.com/recaptcha/api2/anchor?k=abc"}},
			{
				Frame:       &cdp.Frame{ID: "b", URL: "about:blank", Name: "outer"},
				ChildFrames: []*page.FrameTree{{Frame: &cdp.Frame{ID: "c", URL: "https://challenges.cloudflare.com/x"}}},
			},
		},
	}
	frames := flattenFrameTree(tree, nil)
	require.Len(t, frames, 4)
	ids := make([]string, 0, len(frames))
	for _, f := range frames {
		ids = append(ids, f.ID)
	}
	assert.Equal(t, []string{"main", "a", "b", "c"}, ids)
	assert.Equal(t, "outer", frames[2].Name)
}

func TestLocateExpressionEmbedsQuery(t *testing.T) {
	expr, err := locateExpression(schemas.Query{Role: "button", Name: `Say "hi"`, Exact: true, FrameID: "ignored"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(expr, "(// Finds"))
	assert.Contains(t, expr, "(q) =>")
	assert.True(t, strings.HasSuffix(expr, `({"role":"button","name":"Say \"hi\"","exact":true})`))
}

// -- Browser integration --

func findChrome(t *testing.T) string {
	t.Helper()
	if p := os.Getenv("WEBPILOT_TEST_CHROME"); p != "" {
		return p
	}
	for _, name := range []string{"google-chrome", "google-chrome-stable", "chromium", "chromium-browser"} {
		if p, err := exec.LookPath(name); err == nil {
			return p
		}
	}
	t.Skip("no Chrome binary available")
	return ""
}

const fixturePage = `<!doctype html>
<html><body>
<a href="#next" onclick="document.title='link clicked'">Next page</a>
<button id="go" onclick="window.clicks=(window.clicks||0)+1">Continue</button>
<button style="display:none">Continue hidden</button>
<input id="q" type="search" placeholder="Search products">
<div contenteditable="true" id="note"></div>
<iframe id="child" srcdoc="<button id='inner'>Inside</button>"></iframe>
</body></html>`

func newTestSession(t *testing.T) *Session {
	t.Helper()
	chrome := findChrome(t)
	cfg := config.NewDefaultConfig().Browser()
	cfg.ExecPath = chrome
	cfg.Headless = true
	cfg.NavigationTimeout = 20 * time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 45*time.Second)
	defer cancel()
	s, err := newSession(ctx, "test-session", cfg, humanoid.Instant{}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.Close(closeCtx)
	})
	return s
}

func TestSessionAgainstChrome(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, fixturePage)
	}))
	defer srv.Close()

	s := newTestSession(t)
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	require.NoError(t, s.Navigate(ctx, srv.URL))
	require.NoError(t, s.Settle(ctx, 5*time.Second))

	url, err := s.CurrentURL(ctx)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(url, srv.URL))

	t.Run("Screenshot", func(t *testing.T) {
		png, err := s.Screenshot(ctx)
		require.NoError(t, err)
		assert.True(t, bytes.HasPrefix(png, []byte("\x89PNG")))
	})

	t.Run("LocateSkipsHidden", func(t *testing.T) {
		el, err := s.Locate(ctx, schemas.Query{Role: "button", Name: "continue"})
		require.NoError(t, err)
		require.NotNil(t, el)
		assert.Equal(t, "button", el.Tag)
		assert.Equal(t, "Continue", el.Text)

		missing, err := s.Locate(ctx, schemas.Query{Role: "link", Name: "does not exist"})
		require.NoError(t, err)
		assert.Nil(t, missing)
	})

	t.Run("ClickDispatchesRealEvents", func(t *testing.T) {
		el, err := s.Locate(ctx, schemas.Query{Selector: "#go"})
		require.NoError(t, err)
		require.NoError(t, s.Click(ctx, el, schemas.ClickOptions{Timeout: 5 * time.Second}))

		var clicks int
		require.NoError(t, s.Evaluate(ctx, "window.clicks || 0", &clicks))
		assert.Equal(t, 1, clicks)
	})

	t.Run("FillAndPressKey", func(t *testing.T) {
		el, err := s.Locate(ctx, schemas.Query{Role: "textbox", Name: "search products"})
		require.NoError(t, err)
		require.NotNil(t, el)
		assert.Equal(t, "search", el.InputType)

		require.NoError(t, s.Fill(ctx, el, "first"))
		require.NoError(t, s.Fill(ctx, el, "usb cable"))
		var value string
		require.NoError(t, s.Evaluate(ctx, "document.getElementById('q').value", &value))
		assert.Equal(t, "usb cable", value)
		require.NoError(t, s.PressKey(ctx, schemas.KeyEnter))
	})

	t.Run("ElementScreenshot", func(t *testing.T) {
		el, err := s.Locate(ctx, schemas.Query{Selector: "#go"})
		require.NoError(t, err)
		png, err := s.ElementScreenshot(ctx, el)
		require.NoError(t, err)
		assert.True(t, bytes.HasPrefix(png, []byte("\x89PNG")))
	})

	t.Run("FramesAndIsolatedWorlds", func(t *testing.T) {
		frames, err := s.Frames(ctx)
		require.NoError(t, err)
		require.GreaterOrEqual(t, len(frames), 2)

		child := frames[1].ID
		var text string
		require.NoError(t, s.EvaluateInFrame(ctx, child, "document.getElementById('inner').textContent", &text))
		assert.Equal(t, "Inside", text)

		el, err := s.Locate(ctx, schemas.Query{Selector: "#inner", FrameID: child})
		require.NoError(t, err)
		require.NotNil(t, el)
		assert.Equal(t, child, el.FrameID)
	})

	t.Run("Content", func(t *testing.T) {
		html, err := s.Content(ctx)
		require.NoError(t, err)
		assert.Contains(t, html, "Search products")
	})

	t.Run("SwitchToLatestTabWithoutNewTabIsNoop", func(t *testing.T) {
		require.NoError(t, s.SwitchToLatestTab(ctx))
		url, err := s.CurrentURL(ctx)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(url, srv.URL))
	})

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer closeCancel()
	require.NoError(t, s.Close(closeCtx))
	_, err = s.CurrentURL(ctx)
	assert.ErrorIs(t, err, ErrSessionClosed)
}
