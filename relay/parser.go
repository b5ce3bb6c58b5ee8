package relay

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

type parserState int

const (
	streamingProgress parserState = iota
	collectingTail
	done
)

func (s parserState) String() string {
	switch s {
	case streamingProgress:
		return "StreamingProgress"
	case collectingTail:
		return "CollectingTail"
	case done:
		return "Done"
	default:
		return fmt.Sprintf("parserState(%d)", int(s))
	}
}

// Parser classifies CLI output into progress events followed by a single result event.
//
// While streaming progress, each newline-terminated line that parses as JSON is a progress event, and the
// byte following it is discarded. The first line that doesn't parse, or that isn't newline-terminated,
// switches the parser to collecting the tail: that line plus everything up to EOF is the result.
// The parser never switches back.
type Parser struct {
	r     *bufio.Reader
	state parserState
	tail  bytes.Buffer
	// skipSeparator is set after a progress event, whose separator byte hasn't been read yet.
	skipSeparator bool
}

func NewParser(r io.Reader) *Parser {
	return &Parser{r: bufio.NewReader(r)}
}

// Next blocks until the next event is available.
// After the result event has been returned, Next returns io.EOF.
func (p *Parser) Next() (Event, error) {
	for {
		switch p.state {
		case streamingProgress:
			ev, ok, err := p.readProgress()
			if err != nil {
				p.state = done
				return Event{}, err
			}
			if ok {
				return ev, nil
			}
			p.state = collectingTail
		case collectingTail:
			p.state = done
			return p.readTail()
		default:
			return Event{}, io.EOF
		}
	}
}

// readProgress reads one line. It returns ok=false if the line starts the tail, which is then buffered.
func (p *Parser) readProgress() (Event, bool, error) {
	if p.skipSeparator {
		// the progress formatter writes a single separator byte after each update
		_, err := p.r.ReadByte()
		if errors.Is(err, io.EOF) {
			return Event{}, false, fmt.Errorf("%w: output closed after a progress update", ErrIncompleteOutput)
		}
		if err != nil {
			return Event{}, false, fmt.Errorf("reading separator: %w", err)
		}
		p.skipSeparator = false
	}

	line, err := p.r.ReadBytes('\n')
	if errors.Is(err, io.EOF) {
		if len(line) == 0 {
			return Event{}, false, fmt.Errorf("%w: output closed before a result", ErrIncompleteOutput)
		}
		p.tail.Write(line)
		return Event{}, false, nil
	}
	if err != nil {
		return Event{}, false, fmt.Errorf("reading line: %w", err)
	}

	var v json.RawMessage
	if json.Unmarshal(line, &v) != nil {
		p.tail.Write(line)
		return Event{}, false, nil
	}

	p.skipSeparator = true
	return ProgressEvent(v), true, nil
}

func (p *Parser) readTail() (Event, error) {
	_, err := p.tail.ReadFrom(p.r)
	if err != nil {
		return Event{}, fmt.Errorf("reading result: %w", err)
	}
	b := p.tail.Bytes()
	if len(bytes.TrimSpace(b)) == 0 {
		return Event{}, fmt.Errorf("%w: output closed before a result", ErrIncompleteOutput)
	}
	var v json.RawMessage
	err = json.Unmarshal(b, &v)
	if err != nil {
		return Event{}, fmt.Errorf("%w: %w", ErrMalformedResult, err)
	}
	return ResultEvent(v), nil
}
