package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/TylerBrock/colorjson"
	"github.com/guseggert/condadev/relay"
	"github.com/guseggert/condadev/server"
	"github.com/schollz/progressbar/v3"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/term"
)

func main() {
	app := &cli.App{
		Name:  "devserver",
		Usage: "a development server exposing the conda CLI over HTTP",
		Commands: []*cli.Command{
			serveCommand(),
			callCommand(),
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "serve the API, the progress relay and the test page",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "Path to a TOML config file. Flags override its values.",
				EnvVars: []string{"DEVSERVER_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "listen-addr",
				Usage:   "The address for the HTTP server to listen on.",
				EnvVars: []string{"DEVSERVER_LISTEN_ADDR"},
			},
			&cli.StringFlag{
				Name:    "api-method",
				Usage:   "The API to mount. One of [rpc,rest].",
				EnvVars: []string{"DEVSERVER_API_METHOD"},
			},
			&cli.BoolFlag{
				Name:    "progress",
				Usage:   "Mount the progress relay.",
				EnvVars: []string{"DEVSERVER_PROGRESS"},
			},
			&cli.StringFlag{
				Name:    "cli-path",
				Usage:   "The conda executable to run.",
				EnvVars: []string{"DEVSERVER_CLI_PATH"},
			},
			&cli.StringFlag{
				Name:    "static-dir",
				Usage:   "Directory holding the test page. Defaults to the nearest one containing test.html.",
				EnvVars: []string{"DEVSERVER_STATIC_DIR"},
			},
			&cli.StringFlag{
				Name:    "ws-path",
				Usage:   "The path of the progress relay.",
				EnvVars: []string{"DEVSERVER_WS_PATH"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "One of [debug,info,warn,error].",
				Value:   "info",
				EnvVars: []string{"DEVSERVER_LOG_LEVEL"},
			},
		},
		Action: func(ctx *cli.Context) error {
			cfg := server.DefaultConfig()
			if p := ctx.String("config"); p != "" {
				err := server.LoadConfigFile(p, &cfg)
				if err != nil {
					return err
				}
			}
			if ctx.IsSet("listen-addr") {
				cfg.ListenAddr = ctx.String("listen-addr")
			}
			if ctx.IsSet("api-method") {
				cfg.APIMethod = server.APIMethod(strings.ToLower(ctx.String("api-method")))
			}
			if ctx.IsSet("progress") {
				cfg.Progress = ctx.Bool("progress")
			}
			if ctx.IsSet("cli-path") {
				cfg.CLIPath = ctx.String("cli-path")
			}
			if ctx.IsSet("static-dir") {
				cfg.StaticDir = ctx.String("static-dir")
			}
			if ctx.IsSet("ws-path") {
				cfg.WSPath = ctx.String("ws-path")
			}

			level, err := zapcore.ParseLevel(ctx.String("log-level"))
			if err != nil {
				return fmt.Errorf("parsing log level: %w", err)
			}

			s, err := server.New(cfg, server.WithLogLevel(level))
			if err != nil {
				return fmt.Errorf("building dev server: %w", err)
			}

			sigCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()
			go func() {
				<-sigCtx.Done()
				s.Stop()
			}()

			return s.Run()
		},
	}
}

func callCommand() *cli.Command {
	return &cli.Command{
		Name:      "call",
		Usage:     "run a conda subcommand through a dev server",
		ArgsUsage: "SUBCOMMAND [ARGS...]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "addr",
				Usage:   "The address of the dev server.",
				Value:   server.DefaultConfig().ListenAddr,
				EnvVars: []string{"DEVSERVER_ADDR"},
			},
			&cli.StringFlag{
				Name:  "method",
				Usage: "The HTTP verb of the call.",
				Value: "POST",
			},
			&cli.BoolFlag{
				Name:  "progress",
				Usage: "Run through the progress relay and show progress.",
			},
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "Log client activity.",
			},
		},
		Action: func(ctx *cli.Context) error {
			if ctx.NArg() == 0 {
				return errors.New("no subcommand given")
			}
			req := parseCallArgs(ctx.Args().Slice())

			logger := zap.NewNop()
			if ctx.Bool("verbose") {
				l, err := zap.NewDevelopment()
				if err != nil {
					return fmt.Errorf("building logger: %w", err)
				}
				logger = l
			}
			client, err := server.NewClient(logger.Sugar(), ctx.String("addr"))
			if err != nil {
				return fmt.Errorf("building client: %w", err)
			}

			if ctx.Bool("progress") {
				bar := &progressBar{out: os.Stderr}
				result, err := client.Progress(ctx.Context, req, bar.update)
				bar.finish()
				if err != nil {
					return err
				}
				return printJSON(os.Stdout, result, isTerminal(os.Stdout))
			}

			res, err := client.Call(ctx.Context, strings.ToUpper(ctx.String("method")), req)
			if err != nil {
				return err
			}
			err = printJSON(os.Stdout, res.Result, isTerminal(os.Stdout))
			if err != nil {
				return err
			}
			if res.ExitCode != 0 {
				return cli.Exit(fmt.Sprintf("%s exited with code %d", req.Subcommand, res.ExitCode), res.ExitCode)
			}
			return nil
		},
	}
}

// parseCallArgs builds a request from SUBCOMMAND [ARGS...]. Arguments starting with "-" are flags.
func parseCallArgs(args []string) relay.CommandRequest {
	req := relay.CommandRequest{Subcommand: args[0]}
	for _, a := range args[1:] {
		if strings.HasPrefix(a, "-") {
			req.Flags = append(req.Flags, a)
		} else {
			req.Positional = append(req.Positional, a)
		}
	}
	return req
}

// barMax is the resolution of the progress bar. conda reports fractions of maxval.
const barMax = 1000

// progressBar draws numeric progress updates as a bar on out, and prints any other update as a line.
type progressBar struct {
	out io.Writer
	bar *progressbar.ProgressBar
}

type progressUpdate struct {
	Fetch    string   `json:"fetch"`
	Progress *float64 `json:"progress"`
	MaxVal   float64  `json:"maxval"`
}

func (p *progressBar) update(v json.RawMessage) {
	var u progressUpdate
	if err := json.Unmarshal(v, &u); err != nil || u.Progress == nil {
		fmt.Fprintln(p.out, string(v))
		return
	}
	if p.bar == nil {
		p.bar = progressbar.NewOptions(barMax,
			progressbar.OptionSetTheme(progressbar.Theme{
				Saucer:        "━",
				SaucerHead:    "╸",
				SaucerPadding: " ",
			}),
			progressbar.OptionSetWriter(p.out),
			progressbar.OptionFullWidth(),
			progressbar.OptionOnCompletion(func() { fmt.Fprint(p.out, "\n") }),
		)
	}
	if u.Fetch != "" {
		p.bar.Describe(u.Fetch)
	}
	frac := *u.Progress
	if u.MaxVal > 0 {
		frac /= u.MaxVal
	}
	p.bar.Set(barValue(frac))
}

func barValue(frac float64) int {
	switch {
	case frac < 0:
		return 0
	case frac > 1:
		return barMax
	}
	return int(frac * barMax)
}

func (p *progressBar) finish() {
	if p.bar != nil {
		p.bar.Finish()
	}
}

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// printJSON writes v indented, coloured if color is set.
func printJSON(w io.Writer, v json.RawMessage, color bool) error {
	var obj interface{}
	err := json.Unmarshal(v, &obj)
	if err != nil {
		return fmt.Errorf("decoding result: %w", err)
	}
	f := colorjson.NewFormatter()
	f.Indent = 2
	f.DisabledColor = !color
	b, err := f.Marshal(obj)
	if err != nil {
		return fmt.Errorf("formatting result: %w", err)
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}
