package feed

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestJSONLFeedReadsDirectoryInNameOrder(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "b.jsonl"), `{"timestamp":"2024-03-02T14:30:00Z","close":"194.95"}`+"\n")
	writeFile(t, filepath.Join(dir, "a.jsonl"), `{"time":1709217000000,"price":200,"high":"201.5","low":"198.1","symbol":"spy"}`+"\n\n")
	writeFile(t, filepath.Join(dir, "notes.txt"), "ignored")

	f, err := NewJSONLFeed(dir, "SPY")
	if err != nil {
		t.Fatalf("NewJSONLFeed() error = %v", err)
	}
	defer f.Close()

	first, err := f.Next()
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if !first.Price.Equal(decimal.NewFromInt(200)) {
		t.Fatalf("first price = %s, want 200", first.Price)
	}
	if first.Symbol != "SPY" || first.Source != "jsonl" {
		t.Fatalf("first tick = %+v, want symbol SPY from jsonl", first)
	}
	if !first.High.Equal(decimal.RequireFromString("201.5")) || !first.Low.Equal(decimal.RequireFromString("198.1")) {
		t.Fatalf("high/low = %s/%s, want 201.5/198.1", first.High, first.Low)
	}
	if !first.Time.Equal(time.UnixMilli(1709217000000)) {
		t.Fatalf("first time = %s, want epoch millis", first.Time)
	}

	second, err := f.Next()
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if !second.Price.Equal(decimal.RequireFromString("194.95")) || second.Symbol != "SPY" {
		t.Fatalf("second tick = %+v, want 194.95 SPY", second)
	}
	if _, err := f.Next(); !errors.Is(err, io.EOF) {
		t.Fatalf("Next() error = %v, want io.EOF", err)
	}
}

func TestJSONLFeedSkipsBadLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ticks.jsonl")
	writeFile(t, path, `not json
{"price":"1.5"}
{"time":"2024-03-01","price":"NaN"}
{"time":"2024-03-01","price":"Infinity"}
{"time":"2024-03-01","price":"12.25","symbol":"QQQ"}
{"time":"2024-03-01","price":"12.50"}
`)
	f, err := NewJSONLFeed(path, "SPY")
	if err != nil {
		t.Fatalf("NewJSONLFeed() error = %v", err)
	}
	defer f.Close()

	tick, err := f.Next()
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if !tick.Price.Equal(decimal.RequireFromString("12.50")) {
		t.Fatalf("price = %s, want 12.50", tick.Price)
	}
	if f.Skipped() != 4 {
		t.Fatalf("Skipped() = %d, want 4", f.Skipped())
	}
}

func TestNewJSONLFeedEmptyDir(t *testing.T) {
	if _, err := NewJSONLFeed(t.TempDir(), "SPY"); err == nil {
		t.Fatalf("expected error for directory without jsonl files")
	}
}

func TestParseTimeNumberUnits(t *testing.T) {
	if got := parseTimeNumber(1709217000); !got.Equal(time.Unix(1709217000, 0)) {
		t.Fatalf("seconds parsed as %s", got)
	}
	if got := parseTimeNumber(1709217000123); !got.Equal(time.UnixMilli(1709217000123)) {
		t.Fatalf("millis parsed as %s", got)
	}
}
