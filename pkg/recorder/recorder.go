// Package recorder lays out the data a session leaves behind: one directory
// per session holding the video, the event log and a summary, plus a
// per-animal history file.
package recorder

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

const (
	stagingDir  = ".staging"
	summaryFile = "session.json"
	timeLayout  = "2006-01-02T15-04-05"
)

var ErrCollision = errors.New("session directory already exists")

// DirName returns the session prefix <timestamp>_<tag>_<cage>_<seq>. It is
// also the session id.
func DirName(start time.Time, tag string, cage, seq int) string {
	return fmt.Sprintf("%s_%s_%d_%d", start.Format(timeLayout), tag, cage, seq)
}

// Artifacts are the paths belonging to one session. Video and Events are
// written while the session runs and live in the staging area until
// Finalize. Reaches and ReachesScored are produced offline; only their names
// are fixed here.
type Artifacts struct {
	Prefix        string
	Dir           string
	Staging       string
	Video         string
	Events        string
	Reaches       string
	ReachesScored string
}

// Summary is written to session.json.
type Summary struct {
	ID         string    `json:"id"`
	Tag        string    `json:"rfid"`
	Name       string    `json:"name,omitempty"`
	Cage       int       `json:"cage"`
	Seq        int       `json:"sequence"`
	Side       string    `json:"arm"`
	Level      int       `json:"level"`
	Started    time.Time `json:"started"`
	Ended      time.Time `json:"ended"`
	Trials     int       `json:"trials"`
	Reason     string    `json:"reason"`
	Error      string    `json:"error,omitempty"`
	FrameDrops int64     `json:"frame_drops"`
}

// Recorder owns the data root.
type Recorder struct {
	root string
	log  *zap.Logger
}

// New prepares root and its staging area. The root is made absolute.
func New(root string, log *zap.Logger) (*Recorder, error) {
	if log == nil {
		log = zap.NewNop()
	}
	// Paths are handed to programs running in other directories.
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve data root: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(root, stagingDir), 0o755); err != nil {
		return nil, fmt.Errorf("create data root: %w", err)
	}
	return &Recorder{root: root, log: log.Named("recorder")}, nil
}

// Root returns the data root.
func (r *Recorder) Root() string { return r.root }

// Allocate creates the staging directory for prefix and returns the session's
// artifact paths.
func (r *Recorder) Allocate(prefix string) (Artifacts, error) {
	staging := filepath.Join(r.root, stagingDir, prefix)
	if err := os.Mkdir(staging, 0o755); err != nil {
		return Artifacts{}, fmt.Errorf("stage %s: %w", prefix, err)
	}
	dir := filepath.Join(r.root, prefix)
	return Artifacts{
		Prefix:        prefix,
		Dir:           dir,
		Staging:       staging,
		Video:         filepath.Join(staging, prefix+".avi"),
		Events:        filepath.Join(staging, prefix+"_events.jsonl"),
		Reaches:       filepath.Join(dir, prefix+"_reaches.txt"),
		ReachesScored: filepath.Join(dir, prefix+"_reaches_scored.txt"),
	}, nil
}

// Finalize creates the session directory, moves the staged files into it,
// writes the summary and appends the animal's history. An existing directory
// is never overwritten.
func (r *Recorder) Finalize(a Artifacts, s Summary) error {
	if err := os.Mkdir(a.Dir, 0o755); err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("%w: %s", ErrCollision, a.Dir)
		}
		return fmt.Errorf("create session dir: %w", err)
	}

	entries, err := os.ReadDir(a.Staging)
	if err != nil {
		return fmt.Errorf("read staging: %w", err)
	}
	var errs []error
	for _, e := range entries {
		src := filepath.Join(a.Staging, e.Name())
		if err := move(src, filepath.Join(a.Dir, e.Name())); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		if err := os.Remove(a.Staging); err != nil {
			r.log.Warn("remove staging dir", zap.String("dir", a.Staging), zap.Error(err))
		}
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		errs = append(errs, fmt.Errorf("marshal summary: %w", err))
	} else if err := os.WriteFile(filepath.Join(a.Dir, summaryFile), data, 0o644); err != nil {
		errs = append(errs, fmt.Errorf("write summary: %w", err))
	}

	if err := r.AppendHistory(s.Tag, s.Started, s.Ended, a.Dir); err != nil {
		errs = append(errs, err)
	}

	if err := errors.Join(errs...); err != nil {
		return err
	}
	r.log.Info("session finalized", zap.String("dir", a.Dir), zap.String("reason", s.Reason))
	return nil
}

// HistoryPath returns the history file for tag.
func (r *Recorder) HistoryPath(tag string) string {
	return filepath.Join(r.root, tag+"_session_history.txt")
}

// AppendHistory adds a start,end,dir line to the animal's history file.
func (r *Recorder) AppendHistory(tag string, start, end time.Time, dir string) error {
	f, err := os.OpenFile(r.HistoryPath(tag), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}
	w := csv.NewWriter(f)
	_ = w.Write([]string{start.Format(time.RFC3339), end.Format(time.RFC3339), dir})
	w.Flush()
	if err := w.Error(); err != nil {
		_ = f.Close()
		return fmt.Errorf("write history: %w", err)
	}
	return f.Close()
}

// ReadHistory returns the history lines for tag, oldest first.
func (r *Recorder) ReadHistory(tag string) ([][]string, error) {
	f, err := os.Open(r.HistoryPath(tag))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()
	rd := csv.NewReader(f)
	rd.FieldsPerRecord = 3
	return rd.ReadAll()
}

func move(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	// Rename fails across filesystems; fall back to copying.
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("move %s: %w", filepath.Base(src), err)
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("move %s: %w", filepath.Base(src), err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("copy %s: %w", filepath.Base(src), err)
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}
