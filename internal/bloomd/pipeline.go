package bloomd

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/JakeFAU/crawl-frontier/internal/metrics"
)

// CommandKind identifies a pipelined command.
type CommandKind int

// Pipelined command kinds.
const (
	KindAdd CommandKind = iota
	KindCheck
	KindBulk
	KindMulti
	KindInfo
	KindFlush
	KindDrop
	KindClose
	KindClear
)

// Result is the decoded reply to one pipelined command. Exactly one of the
// value fields is meaningful for a kind: Bool for add (already present),
// check (member) and the Done commands; Bools for bulk and multi; Info for
// info. Err holds a per command failure.
type Result struct {
	Kind  CommandKind
	Bool  bool
	Bools []bool
	Info  map[string]string
	Err   error
}

type pipelined struct {
	kind CommandKind
	line string
	keys int
}

// Pipeline buffers commands and sends them in one write. Replies are read
// back in issue order.
type Pipeline struct {
	filter *Filter
	cmds   []pipelined
	err    error
}

func (p *Pipeline) push(kind CommandKind, line string, keys int) *Pipeline {
	p.cmds = append(p.cmds, pipelined{kind: kind, line: line, keys: keys})
	return p
}

func (p *Pipeline) keyed(kind CommandKind, verb string, keys []string) *Pipeline {
	if p.err != nil {
		return p
	}
	ks, err := p.filter.keys(keys)
	if err != nil {
		p.err = err
		return p
	}
	return p.push(kind, verb+" "+p.filter.name+" "+strings.Join(ks, " "), len(ks))
}

// Add queues an insert of key.
func (p *Pipeline) Add(key string) *Pipeline { return p.keyed(KindAdd, "s", []string{key}) }

// Check queues a membership check of key.
func (p *Pipeline) Check(key string) *Pipeline { return p.keyed(KindCheck, "c", []string{key}) }

// Bulk queues an insert of keys.
func (p *Pipeline) Bulk(keys []string) *Pipeline { return p.keyed(KindBulk, "b", keys) }

// Multi queues a membership check of keys.
func (p *Pipeline) Multi(keys []string) *Pipeline { return p.keyed(KindMulti, "m", keys) }

// Info queues an info request.
func (p *Pipeline) Info() *Pipeline { return p.push(KindInfo, "info "+p.filter.name, 0) }

// Flush queues a flush.
func (p *Pipeline) Flush() *Pipeline { return p.push(KindFlush, "flush "+p.filter.name, 0) }

// Drop queues a drop.
func (p *Pipeline) Drop() *Pipeline { return p.push(KindDrop, "drop "+p.filter.name, 0) }

// Close queues a close.
func (p *Pipeline) Close() *Pipeline { return p.push(KindClose, "close "+p.filter.name, 0) }

// Clear queues a clear.
func (p *Pipeline) Clear() *Pipeline { return p.push(KindClear, "clear "+p.filter.name, 0) }

// Merge appends the commands of other. Both pipelines must target filters on
// the same server.
func (p *Pipeline) Merge(other *Pipeline) *Pipeline {
	if other.err != nil && p.err == nil {
		p.err = other.err
	}
	if other.filter.server != p.filter.server && p.err == nil {
		p.err = fmt.Errorf("merge pipelines: %s and %s live on different servers", p.filter.name, other.filter.name)
	}
	p.cmds = append(p.cmds, other.cmds...)
	return p
}

// Len returns the number of queued commands.
func (p *Pipeline) Len() int { return len(p.cmds) }

// Execute sends every queued command and reads the replies in order. A reply
// the client does not understand becomes that command's Result.Err; socket
// failures abort the whole batch. The pipeline is empty afterwards.
func (p *Pipeline) Execute(ctx context.Context) ([]Result, error) {
	cmds := p.cmds
	p.cmds = nil
	if err := p.err; err != nil {
		p.err = nil
		return nil, err
	}
	if len(cmds) == 0 {
		return nil, nil
	}

	lines := make([]string, len(cmds))
	for i, c := range cmds {
		lines[i] = c.line
	}

	var results []Result
	err := p.filter.conn.Do(ctx, func(ex *Exchange) error {
		if err := ex.Send(lines...); err != nil {
			return err
		}
		results = make([]Result, len(cmds))
		for i, c := range cmds {
			res, err := readResult(ex, c)
			if err != nil {
				return err
			}
			results[i] = res
		}
		return nil
	})
	metrics.ObserveFilterCommand("pipeline", err)
	if err != nil {
		return nil, fmt.Errorf("filter %s pipeline: %w", p.filter.name, err)
	}
	return results, nil
}

// readResult decodes one reply. Only socket errors are returned; protocol
// surprises land in Result.Err.
func readResult(ex *Exchange, c pipelined) (Result, error) {
	res := Result{Kind: c.kind}
	if c.kind == KindInfo {
		lines, err := ex.ReadBlock(c.line)
		if err != nil {
			var respErr *ResponseError
			if errors.As(err, &respErr) {
				res.Err = err
				return res, nil
			}
			return res, err
		}
		res.Info = parseInfo(lines)
		return res, nil
	}

	resp, err := ex.ReadLine()
	if err != nil {
		return res, err
	}
	switch c.kind {
	case KindAdd:
		added, err := parseBool(c.line, resp)
		res.Bool, res.Err = err == nil && !added, err
	case KindCheck:
		res.Bool, res.Err = parseBool(c.line, resp)
	case KindBulk:
		added, err := parseBools(c.line, resp, c.keys)
		for i := range added {
			added[i] = !added[i]
		}
		res.Bools, res.Err = added, err
	case KindMulti:
		res.Bools, res.Err = parseBools(c.line, resp, c.keys)
	default:
		if resp == "Done" {
			res.Bool = true
		} else {
			res.Err = unexpected(c.line, resp)
		}
	}
	return res, nil
}
