package rpc

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strings"
)

// Options are the ansible-playbook flags forwarded into the sandbox.
type Options struct {
	Verbosity     int
	Tags          []string
	SkipTags      []string
	Check         bool
	Diff          bool
	ForceHandlers bool
	FlushCache    bool
}

// Args renders o as ansible-playbook arguments. Booleans are only emitted
// when set.
func (o Options) Args() []string {
	var args []string
	if o.Verbosity > 0 {
		args = append(args, "-"+strings.Repeat("v", o.Verbosity))
	}
	for _, tag := range o.Tags {
		args = append(args, "-t", tag)
	}
	for _, tag := range o.SkipTags {
		args = append(args, "--skip-tags", tag)
	}
	if o.Check {
		args = append(args, "--check")
	}
	if o.Diff {
		args = append(args, "--diff")
	}
	if o.ForceHandlers {
		args = append(args, "--force-handlers")
	}
	if o.FlushCache {
		args = append(args, "--flush-cache")
	}
	return args
}

// Payload is the stdin of a qubes.AnsibleVM call: archive name, target host,
// then one forwarded argument per line.
type Payload struct {
	Archive string
	Host    string
	Args    []string
}

// Encode renders p as newline-delimited UTF-8.
func (p Payload) Encode() ([]byte, error) {
	if p.Archive == "" || p.Host == "" {
		return nil, fmt.Errorf("payload requires archive and host")
	}
	fields := append([]string{p.Archive, p.Host}, p.Args...)
	var buf bytes.Buffer
	for i, f := range fields {
		if strings.ContainsAny(f, "\r\n") {
			return nil, fmt.Errorf("payload field %d contains a line break", i)
		}
		buf.WriteString(f)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

// DecodePayload parses what Encode produced. Blank lines are ignored.
func DecodePayload(r io.Reader) (Payload, error) {
	var lines []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if line == "" {
			continue
		}
		lines = append(lines, line)
	}
	if err := sc.Err(); err != nil {
		return Payload{}, fmt.Errorf("read payload: %w", err)
	}
	if len(lines) < 2 {
		return Payload{}, fmt.Errorf("payload needs archive and host lines, got %d line(s)", len(lines))
	}
	return Payload{Archive: lines[0], Host: lines[1], Args: lines[2:]}, nil
}
