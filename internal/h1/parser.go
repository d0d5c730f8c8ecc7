// Package h1 implements the HTTP/1.x request-line parser, the response
// builder and the handler that ties them to the static resolver.
package h1

import (
	"bytes"
	"errors"
)

// Request represents a decoded request line. Header fields are not parsed.
type Request struct {
	Method  string
	Path    string
	Query   string
	Version string
	// HasQuery distinguishes "/a?" (empty query) from "/a" (no query).
	HasQuery bool
}

// Reset clears the request fields for reuse.
func (r *Request) Reset() {
	*r = Request{}
}

var (
	// ErrNoRequest means no request line could be extracted at all.
	ErrNoRequest = errors.New("h1: no request line")
	// ErrMalformed means the request line does not have exactly three tokens,
	// or one of method, path and version is empty.
	ErrMalformed = errors.New("h1: malformed request line")
)

var (
	crlf       = []byte("\r\n")
	terminator = []byte("\r\n\r\n")
)

// Terminator is the blank line that ends a request header block.
const Terminator = "\r\n\r\n"

// HasTerminator reports whether buf contains a complete header block.
func HasTerminator(buf []byte) bool {
	return bytes.Contains(buf, terminator)
}

// Parser splits a complete header block into lines and decodes the first one.
type Parser struct {
	buf   []byte
	lines [][]byte
}

// NewParser creates a new parser.
func NewParser() *Parser {
	return &Parser{lines: make([][]byte, 0, 8)}
}

// Reset resets the parser with new buffer data.
func (p *Parser) Reset(buf []byte) {
	p.buf = buf
	p.lines = p.lines[:0]
}

// ParseRequest fills req from the buffer passed to Reset.
// On ErrMalformed, req holds whatever tokens were present so the caller can
// still pick a version for the error response.
func (p *Parser) ParseRequest(req *Request) error {
	req.Reset()
	p.splitLines()
	if len(p.lines) == 0 {
		return ErrNoRequest
	}
	return parseRequestLine(p.lines[0], req)
}

// splitLines cuts the buffer at CRLF boundaries and stops at the first empty
// segment, which is either the end of the header block or a leading CRLF.
func (p *Parser) splitLines() {
	rest := p.buf
	for {
		i := bytes.Index(rest, crlf)
		if i <= 0 {
			return
		}
		p.lines = append(p.lines, rest[:i])
		rest = rest[i+len(crlf):]
	}
}

// Lines returns the header lines found by the last ParseRequest, request line
// included. They alias the parse buffer.
func (p *Parser) Lines() [][]byte {
	return p.lines
}

// parseRequestLine parses METHOD SP PATH[?QUERY] SP VERSION.
func parseRequestLine(line []byte, req *Request) error {
	var tokens [3][]byte
	n := 0
	for {
		sp := bytes.IndexByte(line, ' ')
		tok := line
		if sp >= 0 {
			tok = line[:sp]
		}
		if n == len(tokens) {
			return ErrMalformed
		}
		tokens[n] = tok
		n++
		if sp < 0 {
			break
		}
		line = line[sp+1:]
	}

	req.Method = string(tokens[0])
	if n > 1 {
		path := tokens[1]
		if q := bytes.IndexByte(path, '?'); q >= 0 {
			req.Query = string(path[q+1:])
			req.HasQuery = true
			path = path[:q]
		}
		req.Path = string(path)
	}
	if n > 2 {
		req.Version = string(tokens[2])
	}

	if n != len(tokens) || req.Method == "" || req.Path == "" || req.Version == "" {
		return ErrMalformed
	}
	return nil
}
