package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"

	"collabtext/provider"
)

type repl struct {
	p   *provider.Provider
	in  io.Reader
	out io.Writer

	mutex sync.Mutex
}

func newRepl(p *provider.Provider, in io.Reader, out io.Writer) *repl {
	return &repl{
		p:   p,
		in:  in,
		out: out,
	}
}

func (r *repl) printf(format string, a ...any) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	fmt.Fprintf(r.out, format, a...)
}

func (r *repl) printText() {
	r.printf("--- %s ---\n%s\n---\n", r.p.Room(), r.p.Doc().Text())
}

// run reads commands until /quit, the end of input or ctx is done.
func (r *repl) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(r.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			return err
		case line := <-lines:
			if r.handle(line) {
				return nil
			}
		}
	}
}

// handle executes one input line and reports whether to quit.
func (r *repl) handle(line string) bool {
	if !strings.HasPrefix(line, "/") {
		doc := r.p.Doc()
		if err := doc.Insert(doc.Len(), line+"\n"); err != nil {
			r.printf("error: %s\n", err)
		}
		return false
	}

	command, arg, _ := strings.Cut(line, " ")
	switch command {
	case "/quit":
		return true
	case "/text":
		r.printText()
	case "/status":
		r.printf("%s %s synced=%t\n", r.p.ClientID(), r.p.State(), r.p.Synced())
	case "/peers":
		r.printPeers()
	case "/del":
		n, err := strconv.Atoi(strings.TrimSpace(arg))
		if err != nil || n <= 0 {
			r.printf("usage: /del N\n")
			return false
		}
		doc := r.p.Doc()
		length := doc.Len()
		n = min(n, length)
		if err := doc.Delete(length-n, n); err != nil {
			r.printf("error: %s\n", err)
		}
	default:
		r.printf("unknown command %s\n", command)
	}
	return false
}

func (r *repl) printPeers() {
	states := r.p.Awareness().States()
	ids := make([]string, 0, len(states))
	for id := range states {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	if len(ids) == 0 {
		r.printf("no peers\n")
		return
	}
	for _, id := range ids {
		marker := ""
		if id == r.p.ClientID() {
			marker = " (you)"
		}
		r.printf("%s%s %v\n", id, marker, states[id])
	}
}
