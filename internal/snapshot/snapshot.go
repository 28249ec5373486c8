// Package snapshot archives and restores the fleet's file state. A
// snapshot is a gzip-compressed tar of the config/ tree (device type
// hints, parameter mappings, capability definitions) and the data/
// tree (device registry, groups), with a manifest as its first entry.
// The history database is not part of a snapshot; sqlite files cannot
// be copied while the server holds them open.
package snapshot

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/frostdev-ops/shelly-fleet-go/pkg/version"
)

const (
	manifestName = "manifest.yaml"

	treeConfig = "config"
	treeData   = "data"

	// manifestLimit bounds the manifest read so a malformed archive
	// cannot balloon memory.
	manifestLimit = 1 << 20
)

// Manifest describes a snapshot archive. It is stored as the first
// tar entry so Import can verify the archive before touching disk.
type Manifest struct {
	CreatedAt time.Time `yaml:"created_at" json:"created_at"`
	Version   string    `yaml:"version" json:"version"`
	Trees     []string  `yaml:"trees" json:"trees"`
	Files     int       `yaml:"files" json:"files"`
}

// ImportOptions controls how an archive is restored.
type ImportOptions struct {
	// Overwrite replaces files that already exist. Without it,
	// existing files are kept and counted as skipped.
	Overwrite bool

	// Only restricts the restore to the named trees ("config",
	// "data"). Empty restores everything in the archive.
	Only []string
}

// Report summarizes a completed import.
type Report struct {
	Manifest *Manifest `json:"manifest"`
	Restored int       `json:"restored"`
	Skipped  int       `json:"skipped"`
}

// Manager exports and imports snapshot archives for a fixed pair of
// config and data directories.
type Manager struct {
	configDir string
	dataDir   string
	logger    *logrus.Logger
}

func NewManager(configDir, dataDir string, logger *logrus.Logger) *Manager {
	return &Manager{
		configDir: configDir,
		dataDir:   dataDir,
		logger:    logger,
	}
}

type entry struct {
	path string // location on disk
	name string // location inside the archive
	info os.FileInfo
}

// Export writes a snapshot of the config and data trees to w and
// returns the manifest it embedded.
func (m *Manager) Export(w io.Writer) (*Manifest, error) {
	entries, trees, err := m.collect()
	if err != nil {
		return nil, fmt.Errorf("failed to scan snapshot trees: %w", err)
	}

	manifest := &Manifest{
		CreatedAt: time.Now().UTC(),
		Version:   version.GetVersion(),
		Trees:     trees,
	}
	for _, e := range entries {
		if e.info.Mode().IsRegular() {
			manifest.Files++
		}
	}

	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)

	if err := writeManifest(tw, manifest); err != nil {
		return nil, err
	}
	for _, e := range entries {
		if err := addEntry(tw, e); err != nil {
			return nil, fmt.Errorf("failed to archive %s: %w", e.name, err)
		}
	}

	// Close order matters: the tar footer must land before the gzip
	// stream is flushed.
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize archive: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("failed to flush archive: %w", err)
	}

	m.logger.WithFields(logrus.Fields{
		"files": manifest.Files,
		"trees": trees,
	}).Info("Snapshot exported")
	return manifest, nil
}

// Import restores a snapshot archive into the configured trees.
func (m *Manager) Import(r io.Reader, opts ImportOptions) (*Report, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)

	manifest, err := readManifest(tr)
	if err != nil {
		return nil, err
	}

	report := &Report{Manifest: manifest}
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read archive entry: %w", err)
		}

		target, ok, err := m.resolveTarget(header.Name, opts.Only)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return nil, fmt.Errorf("failed to restore %s: %w", header.Name, err)
			}
			continue
		case tar.TypeReg:
		default:
			m.logger.WithField("entry", header.Name).Warn("Skipping unsupported archive entry type")
			continue
		}

		if _, err := os.Stat(target); err == nil && !opts.Overwrite {
			report.Skipped++
			continue
		}
		if err := m.writeFile(tr, header, target); err != nil {
			return nil, fmt.Errorf("failed to restore %s: %w", header.Name, err)
		}
		report.Restored++
	}

	m.logger.WithFields(logrus.Fields{
		"restored": report.Restored,
		"skipped":  report.Skipped,
		"version":  manifest.Version,
	}).Info("Snapshot imported")
	return report, nil
}

// collect walks both trees and gathers the entries to archive. Trees
// that do not exist yet contribute nothing; a fresh install still
// produces a valid archive.
func (m *Manager) collect() ([]entry, []string, error) {
	var entries []entry
	var trees []string
	for _, tree := range []struct {
		name string
		root string
	}{
		{treeConfig, m.configDir},
		{treeData, m.dataDir},
	} {
		if _, err := os.Stat(tree.root); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, nil, err
		}
		before := len(entries)
		err := filepath.Walk(tree.root, func(p string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			rel, err := filepath.Rel(tree.root, p)
			if err != nil {
				return err
			}
			if rel == "." {
				return nil
			}
			name := path.Join(tree.name, filepath.ToSlash(rel))
			if info.IsDir() {
				entries = append(entries, entry{path: p, name: name + "/", info: info})
				return nil
			}
			if !info.Mode().IsRegular() || skipFile(info.Name()) {
				return nil
			}
			entries = append(entries, entry{path: p, name: name, info: info})
			return nil
		})
		if err != nil {
			return nil, nil, err
		}
		if len(entries) > before {
			trees = append(trees, tree.name)
		}
	}
	return entries, trees, nil
}

// skipFile reports whether a file stays out of the archive. Sqlite
// files and their WAL sidecars change under a live server, and .tmp
// files are in-flight writes rather than state.
func skipFile(name string) bool {
	for _, suffix := range []string{".db", ".db-wal", ".db-shm", ".db-journal", ".tmp"} {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}
	return false
}

func writeManifest(tw *tar.Writer, manifest *Manifest) error {
	data, err := yaml.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}
	header := &tar.Header{
		Name:    manifestName,
		Size:    int64(len(data)),
		Mode:    0o644,
		ModTime: manifest.CreatedAt,
	}
	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	return nil
}

func readManifest(tr *tar.Reader) (*Manifest, error) {
	header, err := tr.Next()
	if err != nil {
		return nil, fmt.Errorf("failed to read archive: %w", err)
	}
	if header.Name != manifestName {
		return nil, fmt.Errorf("not a fleet snapshot: archive starts with %q", header.Name)
	}
	data, err := io.ReadAll(io.LimitReader(tr, manifestLimit))
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	return &manifest, nil
}

func addEntry(tw *tar.Writer, e entry) error {
	if e.info.IsDir() {
		return tw.WriteHeader(&tar.Header{
			Name:     e.name,
			Mode:     int64(e.info.Mode()),
			ModTime:  e.info.ModTime(),
			Typeflag: tar.TypeDir,
		})
	}

	file, err := os.Open(e.path)
	if err != nil {
		return err
	}
	defer file.Close()

	header := &tar.Header{
		Name:    e.name,
		Size:    e.info.Size(),
		Mode:    int64(e.info.Mode()),
		ModTime: e.info.ModTime(),
	}
	if err := tw.WriteHeader(header); err != nil {
		return err
	}
	_, err = io.Copy(tw, file)
	return err
}

// resolveTarget maps an archive entry onto the filesystem. Entries
// must stay inside the config or data tree; anything that would land
// elsewhere fails the import.
func (m *Manager) resolveTarget(name string, only []string) (string, bool, error) {
	clean := path.Clean(name)
	if path.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", false, fmt.Errorf("archive entry %q escapes the target tree", name)
	}

	tree, rest, _ := strings.Cut(clean, "/")
	var root string
	switch tree {
	case treeConfig:
		root = m.configDir
	case treeData:
		root = m.dataDir
	default:
		m.logger.WithField("entry", name).Warn("Skipping archive entry outside known trees")
		return "", false, nil
	}

	if len(only) > 0 {
		wanted := false
		for _, t := range only {
			if t == tree {
				wanted = true
				break
			}
		}
		if !wanted {
			return "", false, nil
		}
	}

	if rest == "" {
		return root, true, nil
	}
	return filepath.Join(root, filepath.FromSlash(rest)), true, nil
}

// writeFile restores one regular file. The content goes through a
// temp file in the target directory so a failed import never leaves a
// half-written file behind.
func (m *Manager) writeFile(tr *tar.Reader, header *tar.Header, target string) error {
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".snapshot-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := io.Copy(tmp, tr); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return err
	}

	if err := os.Chmod(target, os.FileMode(header.Mode)); err != nil {
		m.logger.WithError(err).WithField("path", target).Warn("Failed to set file permissions")
	}
	if err := os.Chtimes(target, time.Now(), header.ModTime); err != nil {
		m.logger.WithError(err).WithField("path", target).Warn("Failed to set modification time")
	}
	return nil
}
