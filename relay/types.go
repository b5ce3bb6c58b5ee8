package relay

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrProcessLaunch is returned when the CLI process could not be started. No events are emitted.
	ErrProcessLaunch = errors.New("process launch failed")
	// ErrMalformedResult is returned when the output tail is not valid JSON.
	ErrMalformedResult = errors.New("malformed result")
	// ErrIncompleteOutput is returned when the output ends before there is any result to parse.
	ErrIncompleteOutput = errors.New("incomplete output")
)

// CommandRequest is the only message a client sends.
type CommandRequest struct {
	Subcommand string   `json:"subcommand"`
	Flags      []string `json:"flags"`
	Positional []string `json:"positional"`
}

// Argv builds the CLI argument vector: subcommand, then flags, then positional arguments.
func (r CommandRequest) Argv() []string {
	argv := make([]string, 0, 1+len(r.Flags)+len(r.Positional))
	argv = append(argv, r.Subcommand)
	argv = append(argv, r.Flags...)
	argv = append(argv, r.Positional...)
	return argv
}

type EventKind int

const (
	KindProgress EventKind = iota + 1
	// KindResult is the terminal event of a session.
	KindResult
)

func (k EventKind) String() string {
	switch k {
	case KindProgress:
		return "progress"
	case KindResult:
		return "finished"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is a progress or result event. On the wire it is {"progress": <value>} or {"finished": <value>}.
type Event struct {
	Kind  EventKind
	Value json.RawMessage
}

func ProgressEvent(v json.RawMessage) Event { return Event{Kind: KindProgress, Value: v} }

func ResultEvent(v json.RawMessage) Event { return Event{Kind: KindResult, Value: v} }

type eventMessage struct {
	Progress json.RawMessage `json:"progress,omitempty"`
	Finished json.RawMessage `json:"finished,omitempty"`
}

func (e Event) MarshalJSON() ([]byte, error) {
	switch e.Kind {
	case KindProgress:
		return json.Marshal(eventMessage{Progress: e.Value})
	case KindResult:
		return json.Marshal(eventMessage{Finished: e.Value})
	default:
		return nil, fmt.Errorf("unknown event kind %s", e.Kind)
	}
}

func (e *Event) UnmarshalJSON(b []byte) error {
	var msg eventMessage
	err := json.Unmarshal(b, &msg)
	if err != nil {
		return err
	}
	switch {
	case msg.Finished != nil:
		*e = ResultEvent(msg.Finished)
	case msg.Progress != nil:
		*e = ProgressEvent(msg.Progress)
	default:
		return errors.New("message has neither progress nor finished")
	}
	return nil
}
