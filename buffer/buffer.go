// Package buffer discovers and rotates persisted expert trajectories.
package buffer

import (
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/tsawler/go-distill/checkpoints"
)

// ErrBufferExhausted is returned when no trajectory file exists.
var ErrBufferExhausted = errors.New("no expert buffers found")

// FileExt is the extension of replay buffer files.
const FileExt = ".pb"

type (
	// Snapshot is one epoch of expert parameters in architecture order.
	Snapshot = checkpoints.Snapshot
	// Trajectory is the sequence of snapshots of one teacher run.
	Trajectory = checkpoints.Trajectory
)

// Config selects the loading policy.
type Config struct {
	Dir     string
	LoadAll bool // eager mode: every file resident, sampled with replacement

	// Streaming caps; zero means no cap.
	MaxFiles   int
	MaxExperts int
}

// Manager hands out trajectories and hides all file I/O.
type Manager struct {
	cfg    Config
	rng    *rand.Rand
	logger *log.Logger

	files     []string
	fileIdx   int
	expertIdx int
	resident  []Trajectory
}

// FileName returns the name of the n-th replay buffer.
func FileName(n int) string {
	return fmt.Sprintf("replay_buffer_%d%s", n, FileExt)
}

// Discover probes replay_buffer_0, replay_buffer_1, ... until the first
// missing index.
func Discover(dir string) ([]string, error) {
	var files []string
	for n := 0; ; n++ {
		path := filepath.Join(dir, FileName(n))
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				break
			}
			return nil, fmt.Errorf("failed to probe %s: %w", path, err)
		}
		files = append(files, path)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w at %s", ErrBufferExhausted, dir)
	}
	return files, nil
}

// NewManager discovers the buffer files and loads the initial resident set.
// A nil logger discards output.
func NewManager(cfg Config, rng *rand.Rand, logger *log.Logger) (*Manager, error) {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	files, err := Discover(cfg.Dir)
	if err != nil {
		return nil, err
	}
	m := &Manager{cfg: cfg, rng: rng, logger: logger, files: files}

	if cfg.LoadAll {
		for _, f := range files {
			ts, err := ReadFile(f)
			if err != nil {
				return nil, err
			}
			m.resident = append(m.resident, ts...)
		}
		if len(m.resident) == 0 {
			return nil, fmt.Errorf("%w: %d files hold no trajectories", ErrBufferExhausted, len(files))
		}
		logger.Printf("loaded %d expert trajectories from %d files", len(m.resident), len(files))
		return m, nil
	}

	m.shuffleFiles()
	if cfg.MaxFiles > 0 && len(m.files) > cfg.MaxFiles {
		m.files = m.files[:cfg.MaxFiles]
	}
	if err := m.load(); err != nil {
		return nil, err
	}
	return m, nil
}

// Files returns the files in rotation order.
func (m *Manager) Files() []string {
	return append([]string(nil), m.files...)
}

// Resident is the number of trajectories currently in memory.
func (m *Manager) Resident() int {
	return len(m.resident)
}

// Next returns the next expert trajectory. Eager mode samples uniformly with
// replacement. Streaming mode walks the resident file in shuffled order and
// rotates to the next file once it is used up.
func (m *Manager) Next() (Trajectory, error) {
	if m.cfg.LoadAll {
		return m.resident[m.rng.Intn(len(m.resident))], nil
	}

	t := m.resident[m.expertIdx]
	m.expertIdx++
	if m.expertIdx == len(m.resident) {
		m.expertIdx = 0
		m.fileIdx++
		if m.fileIdx == len(m.files) {
			m.fileIdx = 0
			m.shuffleFiles()
		}
		if m.cfg.MaxFiles != 1 {
			if err := m.load(); err != nil {
				return nil, err
			}
		} else {
			m.capAndShuffle()
		}
	}
	return t, nil
}

func (m *Manager) load() error {
	path := m.files[m.fileIdx]
	m.logger.Printf("loading file %s", path)
	ts, err := ReadFile(path)
	if err != nil {
		return err
	}
	if len(ts) == 0 {
		return fmt.Errorf("%w: %s holds no trajectories", ErrBufferExhausted, path)
	}
	m.resident = ts
	m.capAndShuffle()
	return nil
}

func (m *Manager) capAndShuffle() {
	if m.cfg.MaxExperts > 0 && len(m.resident) > m.cfg.MaxExperts {
		m.resident = m.resident[:m.cfg.MaxExperts]
	}
	m.rng.Shuffle(len(m.resident), func(i, j int) {
		m.resident[i], m.resident[j] = m.resident[j], m.resident[i]
	})
}

func (m *Manager) shuffleFiles() {
	m.rng.Shuffle(len(m.files), func(i, j int) {
		m.files[i], m.files[j] = m.files[j], m.files[i]
	})
}
