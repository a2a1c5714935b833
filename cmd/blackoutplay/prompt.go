package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/agleyzer/blackoutplayer/internal/controller"
	"github.com/agleyzer/blackoutplayer/internal/segment"
	"github.com/agleyzer/blackoutplayer/internal/timeline"
)

// chooser is the part of the controller the prompt drives.
type chooser interface {
	ChooseFor(index int, d timeline.Decision) error
}

// prompter asks for blackout decisions on a line-oriented terminal.
type prompter struct {
	in      io.Reader
	out     io.Writer
	logger  *slog.Logger
	pending chan segment.Segment
}

func newPrompter(in io.Reader, out io.Writer, logger *slog.Logger) *prompter {
	return &prompter{
		in:      in,
		out:     out,
		logger:  logger,
		pending: make(chan segment.Segment, 1),
	}
}

// offer queues a gate for the prompt. It runs on the controller loop and
// must not block, so an older unanswered gate is replaced.
func (p *prompter) offer(seg segment.Segment) {
	for {
		select {
		case p.pending <- seg:
			return
		default:
		}
		select {
		case <-p.pending:
		default:
		}
	}
}

// run prompts for each offered gate until ctx is done or input ends.
func (p *prompter) run(ctx context.Context, c chooser) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(p.in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		var seg segment.Segment
		select {
		case <-ctx.Done():
			return nil
		case seg = <-p.pending:
		}

		fmt.Fprintf(p.out, "Blackout segment %d (%.2fs-%.2fs): keep original [k] or apply blackout [b]? ",
			seg.Index, seg.Start, seg.End)

		for answered := false; !answered; {
			select {
			case <-ctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					p.logger.Info("input closed, decisions only via the control server")
					<-ctx.Done()
					return nil
				}
				d, err := parseAnswer(line)
				if err != nil {
					fmt.Fprintf(p.out, "Please answer k or b: ")
					continue
				}
				p.choose(c, seg, d)
				answered = true
			}
		}
	}
}

// choose applies d if seg is still the pending gate. The gate may have
// been resolved meanwhile by the control server or a replicated decision.
func (p *prompter) choose(c chooser, seg segment.Segment, d timeline.Decision) {
	err := c.ChooseFor(seg.Index, d)
	switch {
	case err == nil:
	case errors.Is(err, controller.ErrNoPendingGate):
		fmt.Fprintf(p.out, "Segment %d was already decided.\n", seg.Index)
	default:
		p.logger.Warn("choice rejected", "index", seg.Index, "decision", d, "error", err)
	}
}

func parseAnswer(line string) (timeline.Decision, error) {
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "k", "keep":
		return timeline.KeepOriginal, nil
	case "b":
		return timeline.ApplyBlackout, nil
	}
	return timeline.ParseDecision(line)
}
