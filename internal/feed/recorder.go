package feed

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"pyramid-trading/internal/core"
)

// Recorder appends ticks to one JSONL file per UTC day under root, in the format
// JSONLFeed replays.
type Recorder struct {
	root        string
	currentDate string
	currentFile *os.File
	written     int
}

type recordedLine struct {
	Time   string `json:"time"`
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
	High   string `json:"high,omitempty"`
	Low    string `json:"low,omitempty"`
	Source string `json:"source,omitempty"`
}

func NewRecorder(root string) (*Recorder, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &Recorder{root: root}, nil
}

func (r *Recorder) Write(tick core.Tick) error {
	ts := tick.Time.UTC()
	line := recordedLine{
		Time:   ts.Format(time.RFC3339Nano),
		Symbol: tick.Symbol,
		Price:  tick.Price.String(),
		Source: tick.Source,
	}
	if !tick.High.IsZero() {
		line.High = tick.High.String()
	}
	if !tick.Low.IsZero() {
		line.Low = tick.Low.String()
	}
	encoded, err := json.Marshal(line)
	if err != nil {
		return err
	}
	if err := r.rotate(ts.Format("2006-01-02")); err != nil {
		return err
	}
	if _, err := r.currentFile.Write(append(encoded, '\n')); err != nil {
		return err
	}
	r.written++
	return nil
}

func (r *Recorder) Written() int {
	return r.written
}

func (r *Recorder) rotate(date string) error {
	if date == r.currentDate && r.currentFile != nil {
		return nil
	}
	if err := r.Close(); err != nil {
		return err
	}
	path := filepath.Join(r.root, date+".jsonl")
	// A restarted recorder appends to the day it left off.
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	r.currentFile = f
	r.currentDate = date
	return nil
}

func (r *Recorder) Close() error {
	if r == nil || r.currentFile == nil {
		return nil
	}
	if err := r.currentFile.Sync(); err != nil {
		_ = r.currentFile.Close()
		r.currentFile = nil
		return err
	}
	err := r.currentFile.Close()
	r.currentFile = nil
	return err
}
