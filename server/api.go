package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/guseggert/condadev/proc"
	"github.com/guseggert/condadev/relay"
	"github.com/julienschmidt/httprouter"
)

// maxErrorOutput bounds how much non-JSON CLI output is echoed back in an error response.
const maxErrorOutput = 4096

// ExitCodeHeader carries the CLI's exit code on API responses.
const ExitCodeHeader = "X-Exit-Code"

var apiMethods = []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete}

// restMethods maps subcommands to the verb the REST API expects. Anything else is a GET.
var restMethods = map[string]string{
	"install": http.MethodPost,
	"create":  http.MethodPost,
	"update":  http.MethodPut,
	"remove":  http.MethodDelete,
}

func restMethod(subcommand string) string {
	if m, ok := restMethods[subcommand]; ok {
		return m
	}
	return http.MethodGet
}

// CallRequest is the body of a non-GET API call. GET calls use the query parameters
// "flags" and "positional" (or "q"), repeated.
type CallRequest struct {
	Flags      []string `json:"flags"`
	Positional []string `json:"positional"`
}

func (s *DevServer) mountAPI(router *httprouter.Router) {
	subcommandPath := s.cfg.APIRoot + "/:subcommand"
	switch s.cfg.APIMethod {
	case APIMethodRPC:
		for _, m := range apiMethods {
			router.Handle(m, subcommandPath, s.rpc)
		}
	case APIMethodREST:
		for _, m := range apiMethods {
			router.Handle(m, subcommandPath, s.rest)
			router.Handle(m, subcommandPath+"/env/:kind/:env", s.rest)
		}
	}
}

func decodeCommandRequest(r *http.Request, subcommand string) (relay.CommandRequest, error) {
	req := relay.CommandRequest{Subcommand: subcommand}
	if r.Method == http.MethodGet {
		q := r.URL.Query()
		req.Flags = q["flags"]
		req.Positional = append(q["positional"], q["q"]...)
		return req, nil
	}

	var body CallRequest
	err := json.NewDecoder(r.Body).Decode(&body)
	if err != nil && !errors.Is(err, io.EOF) {
		return req, fmt.Errorf("decoding request body: %w", err)
	}
	req.Flags = body.Flags
	req.Positional = body.Positional
	return req, nil
}

func (s *DevServer) rpc(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	req, err := decodeCommandRequest(r, params.ByName("subcommand"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.call(w, r, req)
}

func (s *DevServer) rest(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	subcommand := params.ByName("subcommand")
	if expected := restMethod(subcommand); r.Method != expected {
		w.Header().Set("Allow", expected)
		http.Error(w, fmt.Sprintf("%s requires %s", subcommand, expected), http.StatusMethodNotAllowed)
		return
	}

	req, err := decodeCommandRequest(r, subcommand)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if kind := params.ByName("kind"); kind != "" {
		env := params.ByName("env")
		switch kind {
		case "name":
		case "prefix":
			// prefixes are double-encoded so that their slashes survive routing
			env, err = url.PathUnescape(env)
			if err != nil {
				http.Error(w, fmt.Sprintf("decoding prefix: %s", err), http.StatusBadRequest)
				return
			}
		default:
			http.Error(w, fmt.Sprintf("unknown environment kind %q", kind), http.StatusNotFound)
			return
		}
		req.Flags = append([]string{"--" + kind, env}, req.Flags...)
	}

	s.call(w, r, req)
}

// call runs the CLI to completion and responds with its JSON output.
// If the request is aborted, the process is killed.
func (s *DevServer) call(w http.ResponseWriter, r *http.Request, req relay.CommandRequest) {
	s.logger.Debugw("handling call", "Method", r.Method, "Request", req)

	stdout, exitCode, err := s.runner.Output(r.Context(), req.Argv())
	if errors.Is(err, proc.ErrStart) {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err != nil {
		if r.Context().Err() != nil {
			s.logger.Debugf("call aborted: %s", err)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set(ExitCodeHeader, strconv.Itoa(exitCode))
	if !json.Valid(stdout) {
		out := stdout
		if len(out) > maxErrorOutput {
			out = out[:maxErrorOutput]
		}
		http.Error(w, fmt.Sprintf("CLI exited with code %d and non-JSON output: %s", exitCode, out), http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, err = w.Write(stdout)
	if err != nil {
		s.logger.Debugf("error writing call response: %s", err)
	}
}
