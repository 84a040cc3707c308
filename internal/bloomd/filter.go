package bloomd

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/JakeFAU/crawl-frontier/internal/metrics"
)

// Filter is a handle to one named filter on its owning server.
type Filter struct {
	name   string
	server string
	conn   *Conn
	hasher Hasher
	client *Client
}

// Name returns the filter name.
func (f *Filter) Name() string { return f.name }

// Server returns the address of the owning server.
func (f *Filter) Server() string { return f.server }

func (f *Filter) key(k string) (string, error) {
	if f.hasher != nil {
		digest, err := f.hasher.Hash([]byte(k))
		if err != nil {
			return "", fmt.Errorf("hash filter key: %w", err)
		}
		return digest, nil
	}
	if err := validateToken(k); err != nil {
		return "", fmt.Errorf("filter key: %w", err)
	}
	return k, nil
}

func (f *Filter) keys(ks []string) ([]string, error) {
	out := make([]string, len(ks))
	for i, k := range ks {
		encoded, err := f.key(k)
		if err != nil {
			return nil, err
		}
		out[i] = encoded
	}
	return out, nil
}

func (f *Filter) roundtrip(ctx context.Context, verb, cmd string) (string, error) {
	resp, err := f.conn.SendAndReceive(ctx, cmd)
	metrics.ObserveFilterCommand(verb, err)
	if err != nil {
		return "", fmt.Errorf("filter %s %s: %w", f.name, verb, err)
	}
	return resp, nil
}

// Add inserts key and reports whether it was already present.
func (f *Filter) Add(ctx context.Context, key string) (bool, error) {
	k, err := f.key(key)
	if err != nil {
		return false, err
	}
	cmd := fmt.Sprintf("s %s %s", f.name, k)
	resp, err := f.roundtrip(ctx, "s", cmd)
	if err != nil {
		return false, err
	}
	added, err := parseBool(cmd, resp)
	if err != nil {
		return false, err
	}
	return !added, nil
}

// Contains reports whether key may be in the filter. False positives are
// possible, false negatives are not.
func (f *Filter) Contains(ctx context.Context, key string) (bool, error) {
	k, err := f.key(key)
	if err != nil {
		return false, err
	}
	cmd := fmt.Sprintf("c %s %s", f.name, k)
	resp, err := f.roundtrip(ctx, "c", cmd)
	if err != nil {
		return false, err
	}
	return parseBool(cmd, resp)
}

// Bulk inserts keys and reports, per key, whether it was already present.
func (f *Filter) Bulk(ctx context.Context, keys []string) ([]bool, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	ks, err := f.keys(keys)
	if err != nil {
		return nil, err
	}
	cmd := "b " + f.name + " " + strings.Join(ks, " ")
	resp, err := f.roundtrip(ctx, "b", cmd)
	if err != nil {
		return nil, err
	}
	added, err := parseBools(cmd, resp, len(keys))
	if err != nil {
		return nil, err
	}
	for i := range added {
		added[i] = !added[i]
	}
	return added, nil
}

// Multi checks keys and reports, per key, whether it may be present.
func (f *Filter) Multi(ctx context.Context, keys []string) ([]bool, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	ks, err := f.keys(keys)
	if err != nil {
		return nil, err
	}
	cmd := "m " + f.name + " " + strings.Join(ks, " ")
	resp, err := f.roundtrip(ctx, "m", cmd)
	if err != nil {
		return nil, err
	}
	return parseBools(cmd, resp, len(keys))
}

// Info returns the server's statistics for the filter.
func (f *Filter) Info(ctx context.Context) (map[string]string, error) {
	cmd := "info " + f.name
	lines, err := f.conn.SendAndReadBlock(ctx, cmd)
	metrics.ObserveFilterCommand("info", err)
	if err != nil {
		return nil, fmt.Errorf("filter %s info: %w", f.name, err)
	}
	return parseInfo(lines), nil
}

// Len returns the number of keys the server has counted into the filter.
func (f *Filter) Len(ctx context.Context) (int, error) {
	info, err := f.Info(ctx)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(info["size"])
	if err != nil {
		return 0, unexpected("info "+f.name, "size "+info["size"])
	}
	return n, nil
}

// Flush persists the filter.
func (f *Filter) Flush(ctx context.Context) error {
	return f.done(ctx, "flush")
}

// Drop deletes the filter permanently.
func (f *Filter) Drop(ctx context.Context) error {
	if err := f.done(ctx, "drop"); err != nil {
		return err
	}
	f.client.forget(f.name)
	return nil
}

// Close unloads the filter from server memory. It stays listed.
func (f *Filter) Close(ctx context.Context) error {
	return f.done(ctx, "close")
}

// Clear resets the filter to empty.
func (f *Filter) Clear(ctx context.Context) error {
	return f.done(ctx, "clear")
}

// Pipeline starts a batch of commands against this filter.
func (f *Filter) Pipeline() *Pipeline {
	return &Pipeline{filter: f}
}

func (f *Filter) done(ctx context.Context, verb string) error {
	cmd := verb + " " + f.name
	resp, err := f.roundtrip(ctx, verb, cmd)
	if err != nil {
		return err
	}
	if resp != "Done" {
		return unexpected(cmd, resp)
	}
	return nil
}

func parseBool(cmd, resp string) (bool, error) {
	switch resp {
	case "Yes":
		return true, nil
	case "No":
		return false, nil
	default:
		return false, unexpected(cmd, resp)
	}
}

func parseBools(cmd, resp string, want int) ([]bool, error) {
	fields := strings.Fields(resp)
	if len(fields) != want {
		return nil, unexpected(cmd, resp)
	}
	out := make([]bool, len(fields))
	for i, field := range fields {
		v, err := parseBool(cmd, field)
		if err != nil {
			return nil, unexpected(cmd, resp)
		}
		out[i] = v
	}
	return out, nil
}

func parseInfo(lines []string) map[string]string {
	info := make(map[string]string, len(lines))
	for _, line := range lines {
		k, v, _ := strings.Cut(line, " ")
		info[k] = v
	}
	return info
}
