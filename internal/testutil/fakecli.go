// Package testutil lets a test binary stand in for the wrapped CLI.
//
// Packages that launch child processes call RunFakeCLI from TestMain. When the test binary is
// re-executed with a FakeCLI encoded in its environment, it writes the scripted output and exits
// instead of running tests.
package testutil

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/guseggert/condadev/proc"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const envFakeCLI = "CONDADEV_FAKE_CLI"

var (
	logOnce sync.Once
	log     *zap.SugaredLogger
)

// Logger returns a development logger shared by tests.
// Sessions and reapers log from their own goroutines, possibly after a test has returned,
// so this isn't tied to a testing.T.
func Logger() *zap.SugaredLogger {
	logOnce.Do(func() {
		l, err := zap.NewDevelopment()
		if err != nil {
			panic(err)
		}
		log = l.Sugar()
	})
	return log
}

// FakeCLI scripts the behavior of a fake CLI process.
type FakeCLI struct {
	// Chunks are written to stdout in order, with Delay between them.
	Chunks []string
	Delay  time.Duration
	// EchoArgs writes {"args": [...]} with the received arguments instead of Chunks.
	EchoArgs bool
	Stderr   string
	// Sleep is how long to wait after writing stdout, before exiting.
	Sleep    time.Duration
	ExitCode int
}

func (f FakeCLI) Env() []string {
	b, err := json.Marshal(f)
	if err != nil {
		panic(err)
	}
	return []string{envFakeCLI + "=" + base64.StdEncoding.EncodeToString(b)}
}

// Runner returns a runner that re-executes the current test binary as the fake CLI.
func (f FakeCLI) Runner(t testing.TB) *proc.Runner {
	exe, err := os.Executable()
	require.NoError(t, err)
	return &proc.Runner{
		Path: exe,
		Env:  f.Env(),
		Log:  Logger().Named("proc"),
	}
}

// RunFakeCLI acts as the fake CLI and exits if the environment asks for it, otherwise it returns immediately.
func RunFakeCLI() {
	encoded, ok := os.LookupEnv(envFakeCLI)
	if !ok {
		return
	}
	b, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		fmt.Fprintf(os.Stderr, "decoding fake CLI: %s\n", err)
		os.Exit(100)
	}
	var f FakeCLI
	err = json.Unmarshal(b, &f)
	if err != nil {
		fmt.Fprintf(os.Stderr, "unmarshaling fake CLI: %s\n", err)
		os.Exit(100)
	}

	if f.Stderr != "" {
		os.Stderr.WriteString(f.Stderr)
	}
	if f.EchoArgs {
		out, _ := json.Marshal(map[string][]string{"args": os.Args[1:]})
		os.Stdout.Write(out)
	}
	for i, c := range f.Chunks {
		if i > 0 && f.Delay > 0 {
			time.Sleep(f.Delay)
		}
		_, err := os.Stdout.WriteString(c)
		if err != nil {
			os.Exit(101)
		}
	}
	time.Sleep(f.Sleep)
	os.Exit(f.ExitCode)
}
