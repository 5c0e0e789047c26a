package e2e

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/caddyserver/caddy/v2"
	"github.com/caddyserver/caddy/v2/caddytest"
	_ "github.com/caddyserver/caddy/v2/modules/standard"
	_ "github.com/fserb/siteroutes"
	"golang.org/x/net/html"
)

type TestFile struct {
	Path    string
	Content string
	Mode    os.FileMode // Optional, 0 defaults to 0644
}

type E2ETestContext struct {
	T        *testing.T
	TempDir  string
	Tester   *caddytest.Tester
	BaseURL  string
	HTTPPort int
}

// Page returns an HTML document whose title is the given site path, the way
// every page of the test site identifies itself.
func Page(title string) string {
	return fmt.Sprintf("<!DOCTYPE html>\n<html><head><title>%s</title></head><body><h1>%s</h1></body></html>\n", title, title)
}

// SiteFiles is the static test site: one page per routing target.
func SiteFiles() []TestFile {
	return []TestFile{
		{Path: "index.html", Content: Page("/index.html")},
		{Path: "index2.html", Content: Page("/index2.html")},
		{Path: "foo.html", Content: Page("/foo.html")},
		{Path: "jpg.html", Content: Page("/jpg.html")},
		{Path: "png_gif.html", Content: Page("/png_gif.html")},
		{Path: "folder/index.html", Content: Page("/folder/index.html")},
		{Path: "test.swaconfig", Content: `{"hello":"world"}`},
		{Path: "robots.txt", Content: "User-agent: *\n"},
	}
}

// ConfigFile loads the shared route config from the main package testdata.
func ConfigFile(t *testing.T) TestFile {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("..", "testdata", "staticwebapp.config.json"))
	if err != nil {
		t.Fatalf("Failed to read route config: %v", err)
	}
	return TestFile{Path: "staticwebapp.config.json", Content: string(data)}
}

func (ctx *E2ETestContext) Get(path string) *http.Response {
	ctx.T.Helper()
	req, err := http.NewRequest(http.MethodGet, ctx.BaseURL+path, nil)
	if err != nil {
		ctx.T.Fatalf("Failed to create request for %s: %v", path, err)
	}
	resp, err := ctx.Tester.Client.Do(req)
	if err != nil {
		ctx.T.Fatalf("GET %s failed: %v", path, err)
	}
	return resp
}

func (ctx *E2ETestContext) AssertGetStatus(path string, expectedStatus int) *http.Response {
	ctx.T.Helper()
	req, err := http.NewRequest(http.MethodGet, ctx.BaseURL+path, nil)
	if err != nil {
		ctx.T.Fatalf("Failed to create request for %s: %v", path, err)
	}
	return ctx.Tester.AssertResponseCode(req, expectedStatus)
}

// AssertTitle checks that path is served with status 200 and the page
// titled title.
func (ctx *E2ETestContext) AssertTitle(path, title string) {
	ctx.T.Helper()
	resp := ctx.Get(path)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		ctx.T.Errorf("GET %s: expected status 200, got %d", path, resp.StatusCode)
		return
	}
	got, err := PageTitle(resp.Body)
	if err != nil {
		ctx.T.Errorf("GET %s: %v", path, err)
		return
	}
	if got != title {
		ctx.T.Errorf("GET %s: expected title %q, got %q", path, title, got)
	}
}

// AssertRedirect checks the status and the raw Location header of a
// redirect without following it.
func (ctx *E2ETestContext) AssertRedirect(path, location string, status int) *http.Response {
	ctx.T.Helper()
	client := *ctx.Tester.Client
	client.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}

	resp, err := client.Get(ctx.BaseURL + path)
	if err != nil {
		ctx.T.Fatalf("GET %s failed: %v", path, err)
	}
	resp.Body.Close()

	if resp.StatusCode != status {
		ctx.T.Errorf("GET %s: expected status %d, got %d", path, status, resp.StatusCode)
	}
	if got := resp.Header.Get("Location"); got != location {
		ctx.T.Errorf("GET %s: expected Location %q, got %q", path, location, got)
	}
	return resp
}

// PageTitle returns the text of the first <title> element in r.
func PageTitle(r io.Reader) (string, error) {
	z := html.NewTokenizer(r)
	for {
		switch z.Next() {
		case html.ErrorToken:
			if z.Err() == io.EOF {
				return "", fmt.Errorf("no <title> in document")
			}
			return "", z.Err()
		case html.StartTagToken:
			name, _ := z.TagName()
			if string(name) != "title" {
				continue
			}
			if z.Next() != html.TextToken {
				return "", nil
			}
			return strings.TrimSpace(string(z.Text())), nil
		}
	}
}

func RunE2ETest(t *testing.T, serverBlockContent string, files []TestFile) *E2ETestContext {
	if testing.Short() {
		t.Skip("Skipping e2e test in short mode")
	}

	tempDir, err := os.MkdirTemp("", "siteroutes-e2e-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}

	for _, file := range files {
		filePath := filepath.Join(tempDir, file.Path)

		if dir := filepath.Dir(filePath); dir != tempDir {
			if err := os.MkdirAll(dir, 0755); err != nil {
				t.Fatalf("Failed to create directory %s: %v", dir, err)
			}
		}

		mode := file.Mode
		if mode == 0 {
			mode = 0644
		}

		if err := os.WriteFile(filePath, []byte(file.Content), mode); err != nil {
			t.Fatalf("Failed to write file %s: %v", filePath, err)
		}
	}

	httpPort, err := getFreePort()
	if err != nil {
		t.Fatalf("Failed to get free HTTP port: %v", err)
	}

	adminPort, err := getFreePort()
	if err != nil {
		t.Fatalf("Failed to get free admin port: %v", err)
	}

	serverBlockContent = strings.ReplaceAll(serverBlockContent, "{TEMPDIR}", tempDir)

	fullCaddyfile := fmt.Sprintf(`{
	admin localhost:%d
	http_port %d
	log {
		format console
		level ERROR
	}
}

:%d {
	root %s
	%s
}`, adminPort, httpPort, httpPort, tempDir, serverBlockContent)

	tester := caddytest.NewTester(t).WithDefaultOverrides(caddytest.Config{
		AdminPort: adminPort,
	})
	tester.InitServer(fullCaddyfile, "caddyfile")

	ctx := &E2ETestContext{
		T:        t,
		TempDir:  tempDir,
		Tester:   tester,
		BaseURL:  fmt.Sprintf("http://localhost:%d", httpPort),
		HTTPPort: httpPort,
	}

	t.Cleanup(func() {
		caddy.Stop()
		if tempDir != "" {
			os.RemoveAll(tempDir)
		}
	})

	return ctx
}

func getFreePort() (int, error) {
	listener, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		return 0, fmt.Errorf("failed to find free port: %w", err)
	}
	defer listener.Close()

	addr, ok := listener.Addr().(*net.TCPAddr)
	if !ok {
		return 0, fmt.Errorf("failed to get TCP address")
	}

	return addr.Port, nil
}
