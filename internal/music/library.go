package music

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cantinaos/cantina/internal/config"
	"github.com/cantinaos/cantina/pkg/events"
)

// audioExtensions are the file types picked up by a library scan.
var audioExtensions = map[string]bool{
	".mp3":  true,
	".ogg":  true,
	".wav":  true,
	".flac": true,
	".m4a":  true,
}

// Library is the ordered track catalogue. Order is stable (sorted by
// title, then id) so numeric selection from the CLI is reproducible.
type Library struct {
	tracks []events.TrackInfo
	byID   map[string]events.TrackInfo
}

// NewLibrary builds the library from explicit config entries, or by
// scanning the configured directory when no entries are given.
func NewLibrary(cfg config.MusicConfig) (*Library, error) {
	var tracks []events.TrackInfo
	if len(cfg.Tracks) > 0 {
		for _, t := range cfg.Tracks {
			tracks = append(tracks, t.TrackInfo())
		}
	} else if cfg.LibraryDir != "" {
		scanned, err := scanDir(cfg.LibraryDir)
		if err != nil {
			return nil, err
		}
		tracks = scanned
	}

	sort.Slice(tracks, func(i, j int) bool {
		if tracks[i].Title != tracks[j].Title {
			return tracks[i].Title < tracks[j].Title
		}
		return tracks[i].TrackID < tracks[j].TrackID
	})

	byID := make(map[string]events.TrackInfo, len(tracks))
	for _, t := range tracks {
		byID[t.TrackID] = t
	}
	return &Library{tracks: tracks, byID: byID}, nil
}

func scanDir(dir string) ([]events.TrackInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("music: scan %q: %w", dir, err)
	}
	var tracks []events.TrackInfo
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if !audioExtensions[ext] {
			continue
		}
		stem := strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))
		tracks = append(tracks, events.TrackInfo{
			TrackID:  stem,
			Title:    stem,
			Filepath: filepath.Join(dir, e.Name()),
		})
	}
	return tracks, nil
}

// Len returns the number of tracks.
func (l *Library) Len() int { return len(l.tracks) }

// All returns every track in catalogue order.
func (l *Library) All() []events.TrackInfo {
	out := make([]events.TrackInfo, len(l.tracks))
	copy(out, l.tracks)
	return out
}

// ByIndex returns the 1-based track at n.
func (l *Library) ByIndex(n int) (events.TrackInfo, bool) {
	if n < 1 || n > len(l.tracks) {
		return events.TrackInfo{}, false
	}
	return l.tracks[n-1], true
}

// ByID returns the track with the given id.
func (l *Library) ByID(id string) (events.TrackInfo, bool) {
	t, ok := l.byID[id]
	return t, ok
}
