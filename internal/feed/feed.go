// Package feed turns recorded or streamed price observations into ticks.
package feed

import (
	"bufio"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"pyramid-trading/internal/core"
)

// Feed yields ticks in order until io.EOF.
type Feed interface {
	Next() (core.Tick, error)
	Close() error
}

// JSONLFeed replays one JSONL file, or every *.jsonl file of a directory in name order.
// Lines that do not decode to a tick with a timestamp and a price are skipped.
type JSONLFeed struct {
	paths   []string
	index   int
	file    *os.File
	scanner *bufio.Scanner
	symbol  string
	logger  *zap.Logger
	skipped int
}

func NewJSONLFeed(path, symbol string) (*JSONLFeed, error) {
	paths, err := resolveJSONLPaths(path)
	if err != nil {
		return nil, err
	}
	feed := &JSONLFeed{paths: paths, symbol: strings.ToUpper(symbol), logger: zap.NewNop()}
	if err := feed.openCurrent(); err != nil {
		return nil, err
	}
	return feed, nil
}

func (f *JSONLFeed) SetLogger(logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	f.logger = logger
}

// Skipped reports how many non-empty lines were dropped as undecodable.
func (f *JSONLFeed) Skipped() int {
	return f.skipped
}

func (f *JSONLFeed) Close() error {
	if f.file == nil {
		return nil
	}
	err := f.file.Close()
	f.file = nil
	f.scanner = nil
	return err
}

func (f *JSONLFeed) Next() (core.Tick, error) {
	for {
		if f.scanner == nil {
			if err := f.openCurrent(); err != nil {
				return core.Tick{}, err
			}
		}
		if !f.scanner.Scan() {
			if err := f.scanner.Err(); err != nil {
				return core.Tick{}, err
			}
			_ = f.Close()
			f.index++
			if f.index >= len(f.paths) {
				return core.Tick{}, io.EOF
			}
			continue
		}
		line := strings.TrimSpace(f.scanner.Text())
		if line == "" {
			continue
		}
		tick, hasTime, ok := decodeTick([]byte(line), nil)
		if !ok || !hasTime {
			f.skipped++
			f.logger.Debug("feed line skipped", zap.String("event", "feed_line_skipped"), zap.String("path", f.paths[f.index]))
			continue
		}
		if tick.Symbol == "" {
			tick.Symbol = f.symbol
		} else if f.symbol != "" && tick.Symbol != f.symbol {
			continue
		}
		tick.Source = "jsonl"
		return tick, nil
	}
}

func (f *JSONLFeed) openCurrent() error {
	if f.index >= len(f.paths) {
		return io.EOF
	}
	file, err := os.Open(f.paths[f.index])
	if err != nil {
		return err
	}
	scanner := bufio.NewScanner(file)
	buf := make([]byte, 0, 1024*1024)
	scanner.Buffer(buf, 10*1024*1024)
	f.file = file
	f.scanner = scanner
	return nil
}

func resolveJSONLPaths(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{path}, nil
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	paths := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(strings.ToLower(name), ".jsonl") {
			continue
		}
		paths = append(paths, filepath.Join(path, name))
	}
	sort.Strings(paths)
	if len(paths) == 0 {
		return nil, errors.New("no jsonl files found in directory")
	}
	return paths, nil
}

var _ Feed = (*JSONLFeed)(nil)
