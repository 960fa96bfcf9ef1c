// Package ingest turns diarized transcripts into ordered utterances.
package ingest

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/goonerstrike/belief-engine/internal/logging"
	"github.com/goonerstrike/belief-engine/internal/model"
)

var (
	episodePattern   = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	timestampPattern = regexp.MustCompile(`^\d{2}:\d{2}:\d{2}$`)

	// ErrInvalidEpisode is returned for empty or non-alphanumeric episode ids
	ErrInvalidEpisode = errors.New("invalid episode id")
)

// LineError describes a transcript line that could not be parsed
type LineError struct {
	Line   int    `json:"line"`
	Reason string `json:"reason"`
}

func (e LineError) Error() string {
	return fmt.Sprintf("line %d: %s", e.Line, e.Reason)
}

// Result is the outcome of parsing one transcript
type Result struct {
	EpisodeID  string
	Utterances []model.Utterance
	Errors     []LineError
	Lines      int // Lines read, including blank ones
}

// ValidateEpisodeID checks that id is non-empty and uses only [a-zA-Z0-9_-]
func ValidateEpisodeID(id string) error {
	if !episodePattern.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidEpisode, id)
	}
	return nil
}

// ParseFile parses the transcript at path
func ParseFile(path, episodeID string) (*Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open transcript: %w", err)
	}
	defer func() { _ = f.Close() }()

	return Parse(f, episodeID)
}

// Parse reads `SPEAKER | HH:MM:SS | HH:MM:SS | text` lines. Blank lines are
// skipped; malformed lines are recorded and skipped so one bad line never
// loses the rest of the transcript.
func Parse(r io.Reader, episodeID string) (*Result, error) {
	if err := ValidateEpisodeID(episodeID); err != nil {
		return nil, err
	}

	res := &Result{EpisodeID: episodeID}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		res.Lines++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		u, err := parseLine(line)
		if err != nil {
			lerr := LineError{Line: res.Lines, Reason: err.Error()}
			logging.Logger.Warn("Parsing error", "episode", episodeID, "line", lerr.Line, "reason", lerr.Reason)
			res.Errors = append(res.Errors, lerr)
			continue
		}

		u.EpisodeID = episodeID
		u.Line = res.Lines
		u.ID = model.DeriveID(episodeID, "utterance", strconv.Itoa(res.Lines))
		res.Utterances = append(res.Utterances, u)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read transcript: %w", err)
	}

	logging.Logger.Info("Ingestion complete",
		"episode", episodeID,
		"utterances", len(res.Utterances),
		"lines", res.Lines,
		"errors", len(res.Errors))
	return res, nil
}

func parseLine(line string) (model.Utterance, error) {
	parts := strings.Split(line, "|")
	if len(parts) != 4 {
		return model.Utterance{}, fmt.Errorf("expected 4 fields, got %d", len(parts))
	}
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	speaker, start, end, text := parts[0], parts[1], parts[2], parts[3]

	if speaker == "" {
		return model.Utterance{}, errors.New("speaker cannot be empty")
	}
	startSec, err := ParseTimestamp(start)
	if err != nil {
		return model.Utterance{}, err
	}
	endSec, err := ParseTimestamp(end)
	if err != nil {
		return model.Utterance{}, err
	}
	if startSec >= endSec {
		return model.Utterance{}, fmt.Errorf("start time %s must be before end time %s", start, end)
	}
	if text == "" {
		return model.Utterance{}, errors.New("utterance text cannot be empty")
	}

	return model.Utterance{
		Speaker:        speaker,
		TimestampStart: start,
		TimestampEnd:   end,
		Text:           text,
	}, nil
}

// ParseTimestamp converts HH:MM:SS into seconds
func ParseTimestamp(ts string) (int, error) {
	if !timestampPattern.MatchString(ts) {
		return 0, fmt.Errorf("invalid timestamp %q, expected HH:MM:SS", ts)
	}
	h, _ := strconv.Atoi(ts[0:2])
	m, _ := strconv.Atoi(ts[3:5])
	s, _ := strconv.Atoi(ts[6:8])
	switch {
	case h > 23:
		return 0, fmt.Errorf("invalid hours in timestamp %q", ts)
	case m > 59:
		return 0, fmt.Errorf("invalid minutes in timestamp %q", ts)
	case s > 59:
		return 0, fmt.Errorf("invalid seconds in timestamp %q", ts)
	}
	return h*3600 + m*60 + s, nil
}

// FormatTimestamp converts seconds into HH:MM:SS
func FormatTimestamp(seconds int) string {
	return fmt.Sprintf("%02d:%02d:%02d", seconds/3600, (seconds%3600)/60, seconds%60)
}
