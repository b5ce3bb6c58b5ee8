package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	inet "github.com/guseggert/condadev/internal/net"
	"github.com/guseggert/condadev/internal/testutil"
	"github.com/guseggert/condadev/relay"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	testutil.RunFakeCLI()
	os.Exit(m.Run())
}

func startDevServer(t *testing.T, cfg Config, cli testutil.FakeCLI) (*DevServer, *Client) {
	t.Helper()
	addr, err := inet.GetEphemeralAddr("127.0.0.1")
	require.NoError(t, err)
	cfg.ListenAddr = addr
	if cfg.StaticDir == "" {
		cfg.StaticDir = t.TempDir()
	}

	log := testutil.Logger()
	s, err := New(cfg, WithRunner(cli.Runner(t)), WithLogger(log.Desugar()))
	require.NoError(t, err)
	go func() {
		err := s.Run()
		if err != nil {
			log.Errorf("dev server stopped: %s", err)
		}
	}()
	t.Cleanup(func() { s.Stop() })
	require.NotNil(t, s.Addr())

	c, err := NewClient(log, s.Addr().String(),
		WithClientAPIRoot(cfg.APIRoot),
		WithClientWSPath(cfg.WSPath),
		WithClientWaitInterval(10*time.Millisecond),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.WaitForServer(ctx))
	return s, c
}

func get(t *testing.T, c *Client, path string) *http.Response {
	t.Helper()
	resp, err := c.HTTPClient.Get(c.baseURL + path)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}

func TestRPCCall(t *testing.T) {
	cases := []struct {
		name    string
		method  string
		req     relay.CommandRequest
		expArgs []string
	}{
		{
			name:    "POST",
			method:  http.MethodPost,
			req:     relay.CommandRequest{Subcommand: "install", Flags: []string{"--yes", "--json"}, Positional: []string{"numpy"}},
			expArgs: []string{"install", "--yes", "--json", "numpy"},
		},
		{
			name:    "GET",
			method:  http.MethodGet,
			req:     relay.CommandRequest{Subcommand: "search", Flags: []string{"--json"}, Positional: []string{"numpy", "scipy"}},
			expArgs: []string{"search", "--json", "numpy", "scipy"},
		},
		{
			name:    "DELETE with no arguments",
			method:  http.MethodDelete,
			req:     relay.CommandRequest{Subcommand: "info"},
			expArgs: []string{"info"},
		},
	}

	_, c := startDevServer(t, DefaultConfig(), testutil.FakeCLI{EchoArgs: true})
	for _, c2 := range cases {
		tc := c2
		t.Run(tc.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			res, err := c.Call(ctx, tc.method, tc.req)
			require.NoError(t, err)
			assert.Equal(t, 0, res.ExitCode)

			var out struct{ Args []string }
			require.NoError(t, json.Unmarshal(res.Result, &out))
			assert.Equal(t, tc.expArgs, out.Args)
		})
	}
}

func TestRPCGetQueryAlias(t *testing.T) {
	_, c := startDevServer(t, DefaultConfig(), testutil.FakeCLI{EchoArgs: true})

	resp := get(t, c, "/api/search?flags=--json&q=numpy")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.JSONEq(t, `{"args":["search","--json","numpy"]}`, readBody(t, resp))
}

func TestRPCExitCode(t *testing.T) {
	_, c := startDevServer(t, DefaultConfig(), testutil.FakeCLI{
		Chunks:   []string{`{"error":"PackageNotFoundError"}`},
		ExitCode: 1,
	})

	res, err := c.Call(context.Background(), "", relay.CommandRequest{Subcommand: "install", Positional: []string{"nope"}})
	require.NoError(t, err)
	assert.Equal(t, 1, res.ExitCode)
	assert.JSONEq(t, `{"error":"PackageNotFoundError"}`, string(res.Result))
}

func TestRPCNonJSONOutput(t *testing.T) {
	_, c := startDevServer(t, DefaultConfig(), testutil.FakeCLI{Chunks: []string{"usage: conda [-h]\n"}, ExitCode: 2})

	resp := get(t, c, "/api/bogus")
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, "2", resp.Header.Get(ExitCodeHeader))
	assert.Contains(t, readBody(t, resp), "usage: conda")
}

func TestRPCBadBody(t *testing.T) {
	_, c := startDevServer(t, DefaultConfig(), testutil.FakeCLI{EchoArgs: true})

	resp, err := c.HTTPClient.Post(c.baseURL+"/api/install", "application/json", strings.NewReader("{not json"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRPCLaunchError(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StaticDir = t.TempDir()
	cfg.CLIPath = filepath.Join(t.TempDir(), "no-such-cli")
	addr, err := inet.GetEphemeralAddr("127.0.0.1")
	require.NoError(t, err)
	cfg.ListenAddr = addr

	s, err := New(cfg, WithLogger(testutil.Logger().Desugar()))
	require.NoError(t, err)
	go s.Run()
	t.Cleanup(func() { s.Stop() })
	require.NotNil(t, s.Addr())

	c, err := NewClient(testutil.Logger(), s.Addr().String(), WithClientWaitInterval(10*time.Millisecond))
	require.NoError(t, err)
	require.NoError(t, c.WaitForServer(context.Background()))

	resp := get(t, c, "/api/info")
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Contains(t, readBody(t, resp), "could not start process")
}

func TestREST(t *testing.T) {
	cfg := DefaultConfig()
	cfg.APIMethod = APIMethodREST
	_, c := startDevServer(t, cfg, testutil.FakeCLI{EchoArgs: true})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	t.Run("verbs", func(t *testing.T) {
		cases := []struct {
			subcommand string
			method     string
			expStatus  int
		}{
			{subcommand: "install", method: http.MethodPost, expStatus: http.StatusOK},
			{subcommand: "create", method: http.MethodPost, expStatus: http.StatusOK},
			{subcommand: "update", method: http.MethodPut, expStatus: http.StatusOK},
			{subcommand: "remove", method: http.MethodDelete, expStatus: http.StatusOK},
			{subcommand: "list", method: http.MethodGet, expStatus: http.StatusOK},
			{subcommand: "install", method: http.MethodGet, expStatus: http.StatusMethodNotAllowed},
			{subcommand: "remove", method: http.MethodPost, expStatus: http.StatusMethodNotAllowed},
			{subcommand: "list", method: http.MethodPut, expStatus: http.StatusMethodNotAllowed},
		}
		for _, tc := range cases {
			req, err := http.NewRequestWithContext(ctx, tc.method, c.baseURL+"/api/"+tc.subcommand, nil)
			require.NoError(t, err)
			resp, err := c.HTTPClient.Do(req)
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, tc.expStatus, resp.StatusCode, "%s %s", tc.method, tc.subcommand)
			if tc.expStatus == http.StatusMethodNotAllowed {
				assert.Equal(t, restMethod(tc.subcommand), resp.Header.Get("Allow"))
			}
		}
	})

	t.Run("environment by name", func(t *testing.T) {
		res, err := c.CallInEnv(ctx, http.MethodPost, "name", "myenv", relay.CommandRequest{
			Subcommand: "install",
			Flags:      []string{"--yes"},
			Positional: []string{"numpy"},
		})
		require.NoError(t, err)
		assert.JSONEq(t, `{"args":["install","--name","myenv","--yes","numpy"]}`, string(res.Result))
	})

	t.Run("environment by prefix", func(t *testing.T) {
		res, err := c.CallInEnv(ctx, http.MethodGet, "prefix", "/opt/conda/envs/x", relay.CommandRequest{Subcommand: "list"})
		require.NoError(t, err)
		assert.JSONEq(t, `{"args":["list","--prefix","/opt/conda/envs/x"]}`, string(res.Result))
	})

	t.Run("unknown environment kind", func(t *testing.T) {
		resp := get(t, c, "/api/list/env/label/x")
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestProgress(t *testing.T) {
	cli := testutil.FakeCLI{
		Chunks: []string{"{\"fetch\":\"numpy\",\"progress\":0.5}\n", "\x00", `{"success":true}`},
		Delay:  10 * time.Millisecond,
	}
	req := relay.CommandRequest{Subcommand: "install", Flags: []string{"--json"}, Positional: []string{"numpy"}}

	t.Run("mounted", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Progress = true
		_, c := startDevServer(t, cfg, cli)

		var progress []string
		res, err := c.Progress(context.Background(), req, func(v json.RawMessage) {
			progress = append(progress, string(v))
		})
		require.NoError(t, err)
		assert.Equal(t, []string{`{"fetch":"numpy","progress":0.5}`}, progress)
		assert.JSONEq(t, `{"success":true}`, string(res))
	})

	t.Run("newline-terminated last line is progress, not a result", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Progress = true
		_, c := startDevServer(t, cfg, testutil.FakeCLI{
			Chunks: []string{"{\"fetch\":\"numpy\",\"progress\":0.5}\n", "\x00", "{\"success\":true}\n"},
		})

		var progress []string
		_, err := c.Progress(context.Background(), req, func(v json.RawMessage) {
			progress = append(progress, string(v))
		})
		require.ErrorIs(t, err, relay.ErrNoResult)
		assert.ErrorContains(t, err, "incomplete output")
		assert.Equal(t, []string{`{"fetch":"numpy","progress":0.5}`, `{"success":true}`}, progress)
	})

	t.Run("not mounted", func(t *testing.T) {
		_, c := startDevServer(t, DefaultConfig(), cli)

		_, err := c.Progress(context.Background(), req, nil)
		require.Error(t, err)

		resp := get(t, c, "/api_ws")
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestIndexAndStatic(t *testing.T) {
	dir := t.TempDir()
	page := `<html><body data-root="{{.APIRoot}}" data-method="{{.APIMethod}}"{{if .Progress}} data-ws="{{.WSPath}}"{{end}}></body></html>`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "test.html"), []byte(page), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "client.js"), []byte("console.log('hi')"), 0644))

	cfg := DefaultConfig()
	cfg.StaticDir = dir
	cfg.APIMethod = APIMethodREST
	cfg.Progress = true
	_, c := startDevServer(t, cfg, testutil.FakeCLI{})

	resp := get(t, c, "/")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")
	assert.Equal(t, `<html><body data-root="/api" data-method="REST" data-ws="/api_ws"></body></html>`, readBody(t, resp))

	resp = get(t, c, "/client.js")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "console.log('hi')", readBody(t, resp))

	resp = get(t, c, "/missing.js")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// edits show up without a restart
	require.NoError(t, os.WriteFile(filepath.Join(dir, "test.html"), []byte(`{{.APIMethod}}`), 0644))
	resp = get(t, c, "/")
	assert.Equal(t, "REST", readBody(t, resp))
}

func TestIndexMissing(t *testing.T) {
	_, c := startDevServer(t, DefaultConfig(), testutil.FakeCLI{})

	resp := get(t, c, "/")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealth(t *testing.T) {
	_, c := startDevServer(t, DefaultConfig(), testutil.FakeCLI{})

	health, err := c.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", health.Status)
	assert.EqualValues(t, 0, health.ActiveSessions)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.APIMethod = "graphql"
	_, err := New(cfg)
	assert.ErrorContains(t, err, "unsupported API method")
}

func TestNewRejectsRouterWildcards(t *testing.T) {
	for _, modify := range []func(c *Config){
		func(c *Config) { c.APIRoot = "/api:v1" },
		func(c *Config) {
			c.Progress = true
			c.WSPath = "/ws/*path"
		},
	} {
		cfg := DefaultConfig()
		cfg.StaticDir = t.TempDir()
		modify(&cfg)
		assert.NotPanics(t, func() {
			_, err := New(cfg, WithLogger(testutil.Logger().Desugar()))
			assert.ErrorContains(t, err, "must not contain")
		})
	}
}
